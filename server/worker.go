package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipebus/pipebus/fifo"
	"github.com/pipebus/pipebus/internal/logging"
	"github.com/pipebus/pipebus/internal/metrics"
	"github.com/pipebus/pipebus/proto"
)

const (
	workerReadTimeout = 500 * time.Millisecond
	workerIdleSleep   = 100 * time.Millisecond

	// Write timeout used when a message carries TTL 0.
	defaultSendTimeout = 5 * time.Second
)

// Subscription records the groups a client receives messages for and when
// the subscription was made.
type Subscription struct {
	Groups []string
	Since  time.Time
}

// Matches reports whether remote names one of the subscribed groups.
// Group names are flat, case-sensitive strings.
func (s *Subscription) Matches(remote string) bool {
	for _, g := range s.Groups {
		if g == remote {
			return true
		}
	}
	return false
}

// inboxItem is what the reader goroutine hands to the owning broker: a
// decoded message or the error that replaced it. Errors are never dropped
// silently.
type inboxItem struct {
	msg *proto.Message
	err error
}

// Worker is the server-side handler for one subscribed client. It owns the
// client's pipe pair and a reader goroutine feeding a single-consumer inbox.
// The read/write orientation is the inverse of the client's naming: the
// worker reads the client's TX pipe and writes its RX pipe.
type Worker struct {
	clientID  string
	sub       Subscription
	pipeRead  string // client's TX pipe
	pipeWrite string // client's RX pipe

	mu      sync.Mutex
	active  bool
	stopped bool
	wg      sync.WaitGroup
	inbox   chan inboxItem
	logger  *slog.Logger
}

// newWorker creates both FIFOs (idempotently) and starts the reader
// goroutine. A FIFO creation failure maps to CAP error FileSystemError at
// the caller.
func newWorker(clientID string, groups []string, clientTx, clientRx string, inboxSize int) (*Worker, error) {
	w := &Worker{
		clientID:  clientID,
		sub:       Subscription{Groups: groups, Since: time.Now()},
		pipeRead:  clientTx,
		pipeWrite: clientRx,
		active:    true,
		inbox:     make(chan inboxItem, inboxSize),
		logger:    logging.L().With("client_id", clientID),
	}
	if err := fifo.Create(w.pipeRead); err != nil {
		metrics.IncError(metrics.ErrPipeCreate)
		return nil, err
	}
	if err := fifo.Create(w.pipeWrite); err != nil {
		metrics.IncError(metrics.ErrPipeCreate)
		_ = fifo.Delete(w.pipeRead)
		return nil, err
	}
	w.wg.Add(1)
	go w.readLoop()
	w.logger.Info("worker_started", "groups", groups)
	return w, nil
}

func (w *Worker) isActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// readLoop polls the client's TX pipe and forwards decode results to the
// inbox until the active flag is cleared.
func (w *Worker) readLoop() {
	defer w.wg.Done()
	for w.isActive() {
		data, err := fifo.Read(w.pipeRead, workerReadTimeout)
		switch {
		case err != nil:
			metrics.IncError(metrics.ErrPipeRead)
			w.deliver(inboxItem{err: err})
		case data == nil:
			// nothing arrived inside the timeout
		default:
			msg, derr := proto.Decode(data)
			if derr != nil {
				w.deliver(inboxItem{err: derr})
			} else {
				metrics.IncPipeRx()
				w.deliver(inboxItem{msg: msg})
			}
		}
		time.Sleep(workerIdleSleep)
	}
}

// deliver enqueues an item without ever blocking the reader; on overflow
// the item is dropped with a log event.
func (w *Worker) deliver(it inboxItem) {
	select {
	case w.inbox <- it:
	default:
		w.logger.Warn("inbox_overflow_drop", "error", it.err)
	}
}

// Send encodes message and writes it to the client's RX pipe. The write
// timeout is the message TTL in seconds; TTL 0 falls back to a 5 s default.
func (w *Worker) Send(message *proto.Message) error {
	data, err := proto.Encode(message)
	if err != nil {
		return err
	}
	timeout := time.Duration(message.TTL()) * time.Second
	if timeout == 0 {
		timeout = defaultSendTimeout
	}
	if err := fifo.Write(w.pipeWrite, timeout, data); err != nil {
		metrics.IncError(metrics.ErrPipeWrite)
		return fmt.Errorf("send to %s: %w", w.clientID, err)
	}
	metrics.IncPipeTx()
	return nil
}

// NextMessage drains one item from the inbox without blocking. It returns
// (nil, nil) when the inbox is empty.
func (w *Worker) NextMessage() (*proto.Message, error) {
	select {
	case it := <-w.inbox:
		return it.msg, it.err
	default:
		return nil, nil
	}
}

// Stop clears the active flag, joins the reader and unlinks both FIFOs.
// Calls after the first are no-ops.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.active = false
	w.stopped = true
	w.mu.Unlock()
	w.wg.Wait()
	_ = fifo.Delete(w.pipeRead)
	_ = fifo.Delete(w.pipeWrite)
	w.logger.Info("worker_stopped")
	return nil
}

// ClientID returns the id of the client this worker handles.
func (w *Worker) ClientID() string { return w.clientID }

// Groups returns the worker's effective group set (the subscribed groups
// plus the client id appended by the broker).
func (w *Worker) Groups() []string { return w.sub.Groups }
