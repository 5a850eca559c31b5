// Package client implements the pipebus client engine: the subscribe
// handshake on the CAP, sending on the TX pipe and the background receive
// loop feeding an inbox channel.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipebus/pipebus/cap"
	"github.com/pipebus/pipebus/fifo"
	"github.com/pipebus/pipebus/internal/logging"
	"github.com/pipebus/pipebus/proto"
)

// State is the client lifecycle state.
type State int

const (
	StateInitialized State = iota
	StateSubscribed
	StateRunning
	StateStopped
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateUnsubscribed:
		return "unsubscribed"
	}
	return "unknown"
}

const (
	capOpTimeout    = 5 * time.Second
	capSettle       = 100 * time.Millisecond
	sendTimeout     = 5 * time.Second
	readTimeout     = 500 * time.Millisecond
	idleSleep       = 100 * time.Millisecond
	subscriptionTTL = 60

	defaultInboxSize = 256
)

type inboxItem struct {
	msg *proto.Message
	err error
}

// Client is a pipebus client. A client subscribes over the CAP, then sends
// on its TX pipe and (once the loop is started) receives on its RX pipe.
// All methods are safe for use from a single goroutine; the receive loop
// runs on its own.
type Client struct {
	id      string
	version proto.Version
	capPipe string

	mu      sync.Mutex // guards state
	state   State
	txPipe  string // set on successful Assignment
	rxPipe  string
	wg      sync.WaitGroup
	inbox   chan inboxItem
	inboxSz int
	logger  *slog.Logger

	// Observers are fire-and-forget hooks; they must not call back into
	// the client.
	onReceived     func(*proto.Message, error)
	onSent         func(*proto.Message)
	onSubscribed   func()
	onUnsubscribed func()
}

type Option func(*Client)

// WithLogger overrides the global logger for this client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInboxSize sets the receive inbox capacity.
func WithInboxSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.inboxSz = n
		}
	}
}

// New creates a client with the given id, rendezvousing on capPipe.
func New(id, capPipe string, opts ...Option) *Client {
	c := &Client{
		id:      id,
		version: proto.V1,
		capPipe: capPipe,
		state:   StateInitialized,
		inboxSz: defaultInboxSize,
		logger:  logging.L().With("client_id", id),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pipes returns the TX and RX pipe paths assigned by the broker; both are
// empty before a successful subscription.
func (c *Client) Pipes() (tx, rx string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txPipe, c.rxPipe
}

// SetOnReceived registers a hook invoked for every receive-loop result,
// message or error. It must not call back into the client.
func (c *Client) SetOnReceived(fn func(*proto.Message, error)) { c.onReceived = fn }

// SetOnSent registers a hook invoked after every successful send.
func (c *Client) SetOnSent(fn func(*proto.Message)) { c.onSent = fn }

// SetOnSubscribed registers a hook invoked after a successful subscription.
func (c *Client) SetOnSubscribed(fn func()) { c.onSubscribed = fn }

// SetOnUnsubscribed registers a hook invoked after unsubscribing.
func (c *Client) SetOnUnsubscribed(fn func()) { c.onUnsubscribed = fn }

// Subscribe performs the CAP handshake: it writes a Subscription for the
// given groups and waits for the broker's Assignment. On a clean reply the
// assigned pipe paths are recorded and the client becomes Subscribed. A CAP
// error from the broker (e.g. NameAlreadyTaken) is returned with a nil
// error and no state change.
func (c *Client) Subscribe(groups []string) (cap.Error, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateInitialized && st != StateUnsubscribed {
		return cap.NoError, fmt.Errorf("subscribe in state %s: %w", st, ErrNotUnsubscribed)
	}

	payload, err := cap.EncodeSubscription(groups)
	if err != nil {
		return cap.NoError, err
	}
	if err := c.sendCap(payload); err != nil {
		return cap.NoError, err
	}
	// The CAP is a single pipe used by both ends. Give the broker's
	// listener its poll to consume the request before opening the CAP
	// for reading ourselves, or we could read our own bytes back.
	time.Sleep(capSettle)
	data, err := fifo.Read(c.capPipe, capOpTimeout)
	if err != nil {
		return cap.NoError, err
	}
	if data == nil {
		return cap.NoError, fmt.Errorf("no assignment within %s: %w", capOpTimeout, ErrNoDataAvailable)
	}
	reply, err := proto.Decode(data)
	if err != nil {
		return cap.NoError, err
	}
	if t, err := cap.TypeOf(reply.Data()); err != nil {
		return cap.NoError, err
	} else if t != cap.Assignment {
		return cap.NoError, fmt.Errorf("expected assignment, got %s: %w", t, proto.ErrBadPacket)
	}
	capErr, txPipe, rxPipe, err := cap.DecodeAssignment(reply.Data())
	if err != nil {
		return cap.NoError, err
	}
	if capErr != cap.NoError {
		return capErr, nil
	}
	c.mu.Lock()
	c.txPipe = txPipe
	c.rxPipe = rxPipe
	c.state = StateSubscribed
	c.mu.Unlock()
	c.logger.Info("subscribed", "tx_pipe", txPipe, "rx_pipe", rxPipe)
	if c.onSubscribed != nil {
		c.onSubscribed()
	}
	return cap.NoError, nil
}

// sendCap wraps a CAP payload in a V1 message and writes it on the CAP. A
// write deadline expiry means nobody is reading the CAP, i.e. no broker is
// reachable.
func (c *Client) sendCap(payload []byte) error {
	msg := proto.NewMessage(c.version, c.id, "", subscriptionTTL, 0, payload)
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	if err := fifo.Write(c.capPipe, capOpTimeout, data); err != nil {
		if errors.Is(err, fifo.ErrWriteFailed) {
			return fmt.Errorf("cap write: %v: %w", err, ErrCapTimeout)
		}
		return err
	}
	return nil
}

// LoopStart spawns the background receive loop. Valid only when Subscribed
// with both pipe paths assigned.
func (c *Client) LoopStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return ErrThreadAlreadyRunning
	case StateSubscribed:
	default:
		return fmt.Errorf("loop start in state %s: %w", c.state, ErrNotSubscribed)
	}
	if c.txPipe == "" || c.rxPipe == "" {
		return ErrUninitialized
	}
	c.state = StateRunning
	c.inbox = make(chan inboxItem, c.inboxSz)
	c.wg.Add(1)
	go c.readLoop(c.inbox, c.txPipe, c.rxPipe)
	return nil
}

// readLoop polls the RX pipe until the state leaves Running. Messages that
// request an acknowledgement are answered best-effort before delivery.
func (c *Client) readLoop(inbox chan inboxItem, txPipe, rxPipe string) {
	defer c.wg.Done()
	defer close(inbox)
	for c.State() == StateRunning {
		data, err := fifo.Read(rxPipe, readTimeout)
		if err != nil {
			c.deliver(inbox, inboxItem{err: err})
			time.Sleep(idleSleep)
			continue
		}
		if data == nil {
			time.Sleep(idleSleep)
			continue
		}
		msg, derr := proto.Decode(data)
		if derr != nil {
			c.deliver(inbox, inboxItem{err: derr})
			continue
		}
		if msg.Options().IsSet(proto.OptRCK) {
			c.sendAck(txPipe, msg)
		}
		c.deliver(inbox, inboxItem{msg: msg})
	}
}

// sendAck answers a message carrying OptRCK. Failures are ignored: the ACK
// path is best-effort.
func (c *Client) sendAck(txPipe string, msg *proto.Message) {
	ack := proto.NewMessage(c.version, c.id, msg.Origin(), msg.TTL(), proto.OptACK, nil)
	data, err := proto.Encode(ack)
	if err != nil {
		return
	}
	_ = fifo.Write(txPipe, sendTimeout, data)
}

// deliver forwards a result to the observer and the inbox. The inbox never
// blocks the loop; on overflow the item is dropped with a log event.
func (c *Client) deliver(inbox chan inboxItem, it inboxItem) {
	if c.onReceived != nil {
		c.onReceived(it.msg, it.err)
	}
	select {
	case inbox <- it:
	default:
		c.logger.Warn("inbox_overflow_drop", "error", it.err)
	}
}

// LoopStop stops the receive loop and joins it. Calling it when the loop is
// not running is a no-op.
func (c *Client) LoopStop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Send writes data to remote with default TTL and no options.
func (c *Client) Send(remote string, data []byte) error {
	return c.SendEx(remote, data, 0, 0)
}

// SendEx writes data to remote with explicit TTL and options. Valid while
// Subscribed or Running.
func (c *Client) SendEx(remote string, data []byte, ttl uint8, options proto.Options) error {
	c.mu.Lock()
	st := c.state
	txPipe := c.txPipe
	c.mu.Unlock()
	if st != StateSubscribed && st != StateRunning {
		return fmt.Errorf("send in state %s: %w", st, ErrNotSubscribed)
	}
	if txPipe == "" {
		return ErrNotSubscribed
	}
	msg := proto.NewMessage(c.version, c.id, remote, ttl, options, data)
	wire, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	if err := fifo.Write(txPipe, sendTimeout, wire); err != nil {
		return err
	}
	if c.onSent != nil {
		c.onSent(msg)
	}
	return nil
}

// Unsubscribe sends a CAP Unsubscription, stops the receive loop and moves
// the client to Unsubscribed.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateSubscribed && st != StateRunning {
		return fmt.Errorf("unsubscribe in state %s: %w", st, ErrNotSubscribed)
	}
	if err := c.sendCap(cap.EncodeUnsubscription()); err != nil {
		return err
	}
	if err := c.LoopStop(); err != nil {
		return err
	}
	if c.onUnsubscribed != nil {
		c.onUnsubscribed()
	}
	c.mu.Lock()
	c.state = StateUnsubscribed
	c.mu.Unlock()
	c.logger.Info("unsubscribed")
	return nil
}

// GetNextMessage drains one message from the inbox without blocking. It
// returns ErrUninitialized unless the receive loop is running (so also after
// LoopStop), (nil, nil) when the inbox is empty, and ErrThread if the inbox
// channel has been closed.
func (c *Client) GetNextMessage() (*proto.Message, error) {
	c.mu.Lock()
	running := c.state == StateRunning
	inbox := c.inbox
	c.mu.Unlock()
	if !running || inbox == nil {
		return nil, ErrUninitialized
	}
	select {
	case it, ok := <-inbox:
		if !ok {
			return nil, ErrThread
		}
		return it.msg, it.err
	default:
		return nil, nil
	}
}

// GetAllMessages drains every pending message from the inbox.
func (c *Client) GetAllMessages() ([]*proto.Message, error) {
	var out []*proto.Message
	for {
		msg, err := c.GetNextMessage()
		if err != nil {
			return out, err
		}
		if msg == nil {
			return out, nil
		}
		out = append(out, msg)
	}
}

// Close stops the receive loop, swallowing secondary errors. Safe to defer.
func (c *Client) Close() {
	_ = c.LoopStop()
}
