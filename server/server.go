// Package server implements the pipebus broker: the CAP listener with its
// block/unblock discipline, the worker registry and group-based routing.
package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pipebus/pipebus/cap"
	"github.com/pipebus/pipebus/fifo"
	"github.com/pipebus/pipebus/internal/logging"
	"github.com/pipebus/pipebus/internal/metrics"
	"github.com/pipebus/pipebus/proto"
)

// State is the CAP listener state. Block is entered only by the broker's
// own write path so it can write an Assignment on the CAP without racing
// its reader.
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateBlock
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateBlock:
		return "block"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	capReadTimeout  = 100 * time.Millisecond
	capWriteTimeout = 60 * time.Second
	capIdleSleep    = 100 * time.Millisecond
	// blockGrace lets the listener observe the Block state and release its
	// read before the broker writes on the CAP.
	blockGrace = 100 * time.Millisecond

	defaultInboxSize = 256
	assignmentTTL    = 60
)

// Server is the pipebus broker. The CAP listener runs on its own goroutine;
// everything else (CAP processing, worker registry mutation, dispatch) is
// driven from the owner's loop via ProcessCap* and Process*.
type Server struct {
	version   proto.Version
	capPipe   string
	clientDir string

	mu    sync.Mutex // guards state
	state State

	listenerWG sync.WaitGroup
	capCh      chan inboxItem

	workers *xsync.MapOf[string, *Worker]
	order   []string // registry order; mutated only on the owner's goroutine

	inboxSize        int
	onSubscription   func(clientID string)
	onUnsubscription func(clientID string)
	logger           *slog.Logger
}

type Option func(*Server)

// WithLogger overrides the global logger for this broker.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInboxSize sets the per-worker and CAP inbox capacity.
func WithInboxSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// WithOnSubscription registers a hook invoked after a worker is started.
// The hook must not call back into the broker.
func WithOnSubscription(fn func(clientID string)) Option {
	return func(s *Server) { s.onSubscription = fn }
}

// WithOnUnsubscription registers a hook invoked after a worker is removed.
// The hook must not call back into the broker.
func WithOnUnsubscription(fn func(clientID string)) Option {
	return func(s *Server) { s.onUnsubscription = fn }
}

// New creates a broker rendezvousing on capPipe and allocating per-client
// FIFOs under clientDir.
func New(capPipe, clientDir string, opts ...Option) *Server {
	s := &Server{
		version:   proto.V1,
		capPipe:   capPipe,
		clientDir: clientDir,
		state:     StateInitialized,
		workers:   xsync.NewMapOf[string, *Worker](),
		inboxSize: defaultInboxSize,
		logger:    logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// StartCapListener creates the CAP FIFO and spawns the listener goroutine.
// The channel receiver stays with the broker owner and is drained via
// ProcessCapOnce/ProcessCapAll.
func (s *Server) StartCapListener() error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateBlock {
		s.mu.Unlock()
		return ErrThreadAlreadyRunning
	}
	s.mu.Unlock()
	if err := os.MkdirAll(s.clientDir, 0o755); err != nil {
		return fmt.Errorf("client dir %s: %w: %v", s.clientDir, ErrBadClientDir, err)
	}
	if err := fifo.Create(s.capPipe); err != nil {
		metrics.IncError(metrics.ErrPipeCreate)
		return err
	}
	s.capCh = make(chan inboxItem, s.inboxSize)
	s.setState(StateRunning)
	s.listenerWG.Add(1)
	go s.capListen()
	s.logger.Info("cap_listener_started", "cap_pipe", s.capPipe)
	return nil
}

// capListen is the CAP listener loop. While the state is Block it backs off
// without touching the pipe so the broker's write path has the CAP to
// itself.
func (s *Server) capListen() {
	defer s.listenerWG.Done()
	for {
		switch s.getState() {
		case StateBlock:
			time.Sleep(capIdleSleep)
			continue
		case StateRunning:
		default:
			return
		}
		data, err := fifo.Read(s.capPipe, capReadTimeout)
		if err != nil {
			metrics.IncError(metrics.ErrCapRead)
			s.logger.Error("cap_read_error", "error", err)
			time.Sleep(capIdleSleep)
			continue
		}
		if data == nil {
			time.Sleep(capIdleSleep)
			continue
		}
		msg, derr := proto.Decode(data)
		if derr != nil {
			s.pushCap(inboxItem{err: derr})
		} else {
			metrics.IncCapRx()
			s.pushCap(inboxItem{msg: msg})
		}
		time.Sleep(capIdleSleep)
	}
}

// pushCap enqueues without blocking the listener; on overflow the item is
// dropped with a log event.
func (s *Server) pushCap(it inboxItem) {
	select {
	case s.capCh <- it:
	default:
		s.logger.Warn("cap_inbox_overflow_drop", "error", it.err)
	}
}

// StopCapListener transitions the listener to Stopped, joins it and removes
// the CAP FIFO. It is a no-op when the listener is not running.
func (s *Server) StopCapListener() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateBlock {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()
	s.listenerWG.Wait()
	err := fifo.Delete(s.capPipe)
	s.logger.Info("cap_listener_stopped")
	return err
}

// writeCap writes an Assignment on the CAP under the block/unblock
// discipline: Block the listener, give it a grace period to release its
// read, write, then restore Running.
func (s *Server) writeCap(clientID string, payload []byte) error {
	msg := proto.NewMessage(s.version, "", clientID, assignmentTTL, 0, payload)
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	s.setState(StateBlock)
	defer s.setState(StateRunning)
	time.Sleep(blockGrace)
	if err := fifo.Write(s.capPipe, capWriteTimeout, data); err != nil {
		metrics.IncError(metrics.ErrCapWrite)
		return err
	}
	metrics.IncCapTx()
	return nil
}

// ProcessCapOnce drains at most one pending CAP item. It returns the number
// of items processed (0 or 1).
func (s *Server) ProcessCapOnce() (int, error) {
	select {
	case it := <-s.capCh:
		if it.err != nil {
			metrics.IncError(metrics.ErrCapRead)
			return 1, it.err
		}
		return 1, s.manageCapMessage(it.msg)
	default:
		return 0, nil
	}
}

// ProcessCapAll drains the pending CAP items, stopping at the first error.
func (s *Server) ProcessCapAll() (int, error) {
	var n int
	for {
		p, err := s.ProcessCapOnce()
		n += p
		if err != nil {
			return n, err
		}
		if p == 0 {
			return n, nil
		}
	}
}

// manageCapMessage dispatches one control message from a client.
func (s *Server) manageCapMessage(msg *proto.Message) error {
	origin := msg.Origin()
	if origin == "" {
		return fmt.Errorf("cap message without origin: %w", ErrNoRecipient)
	}
	t, err := cap.TypeOf(msg.Data())
	if err != nil {
		return err
	}
	switch t {
	case cap.Subscription:
		groups, err := cap.DecodeSubscription(msg.Data())
		if err != nil {
			return err
		}
		return s.subscribeClient(origin, groups)
	case cap.Unsubscription:
		return s.unsubscribeClient(origin)
	default:
		return fmt.Errorf("unexpected cap type %s from client: %w", t, proto.ErrBadPacket)
	}
}

// subscribeClient allocates the pipe pair, starts a worker and answers on
// the CAP. The client id is appended to the group list so that direct
// addressing (remote == client id) routes to the owner.
func (s *Server) subscribeClient(clientID string, groups []string) error {
	groups = append(groups, clientID)
	if _, ok := s.workers.Load(clientID); ok {
		if werr := s.writeAssignment(clientID, cap.NameAlreadyTaken, "", ""); werr != nil {
			s.logger.Error("assignment_write_error", "client_id", clientID, "error", werr)
		}
		return fmt.Errorf("client %s: %w", clientID, ErrWorkerExists)
	}
	txPipe := filepath.Join(s.clientDir, clientID+"_tx.fifo")
	rxPipe := filepath.Join(s.clientDir, clientID+"_rx.fifo")
	w, err := newWorker(clientID, groups, txPipe, rxPipe, s.inboxSize)
	if err != nil {
		if werr := s.writeAssignment(clientID, cap.FileSystemError, "", ""); werr != nil {
			s.logger.Error("assignment_write_error", "client_id", clientID, "error", werr)
		}
		return err
	}
	s.workers.Store(clientID, w)
	s.order = append(s.order, clientID)
	metrics.SetActiveWorkers(s.workers.Size())
	if s.onSubscription != nil {
		s.onSubscription(clientID)
	}
	return s.writeAssignment(clientID, cap.NoError, txPipe, rxPipe)
}

func (s *Server) unsubscribeClient(clientID string) error {
	w, ok := s.workers.Load(clientID)
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, ErrWorkerNotFound)
	}
	_ = w.Stop()
	s.workers.Delete(clientID)
	for i, id := range s.order {
		if id == clientID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	metrics.SetActiveWorkers(s.workers.Size())
	if s.onUnsubscription != nil {
		s.onUnsubscription(clientID)
	}
	return nil
}

func (s *Server) writeAssignment(clientID string, capErr cap.Error, txPipe, rxPipe string) error {
	payload, err := cap.EncodeAssignment(capErr, txPipe, rxPipe)
	if err != nil {
		return err
	}
	s.logger.Info("assignment", "client_id", clientID, "cap_error", capErr.String())
	return s.writeCap(clientID, payload)
}

// ProcessOnce drains at most one message from every registered worker and
// dispatches each. The first per-worker failure stops the scan and is
// returned as a *WorkerError.
func (s *Server) ProcessOnce() (int, error) {
	var n int
	for _, id := range s.order {
		w, ok := s.workers.Load(id)
		if !ok {
			continue
		}
		msg, err := w.NextMessage()
		if err != nil {
			metrics.IncError(mapErrToMetric(err))
			return n, &WorkerError{ClientID: id, Err: err}
		}
		if msg == nil {
			continue
		}
		n++
		if err := s.dispatchMessage(msg); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ProcessAll keeps draining every worker until no messages remain.
func (s *Server) ProcessAll() (int, error) {
	var n int
	for {
		p, err := s.ProcessOnce()
		n += p
		if err != nil {
			return n, err
		}
		if p == 0 {
			return n, nil
		}
	}
}

// ProcessFirst dispatches just the first available message found scanning
// the registry in order.
func (s *Server) ProcessFirst() (int, error) {
	for _, id := range s.order {
		w, ok := s.workers.Load(id)
		if !ok {
			continue
		}
		msg, err := w.NextMessage()
		if err != nil {
			metrics.IncError(mapErrToMetric(err))
			return 0, &WorkerError{ClientID: id, Err: err}
		}
		if msg == nil {
			continue
		}
		return 1, s.dispatchMessage(msg)
	}
	return 0, nil
}

// dispatchMessage delivers msg to every worker whose group set contains the
// message's remote. The first failing worker short-circuits the fan-out.
func (s *Server) dispatchMessage(msg *proto.Message) error {
	remote := msg.Remote()
	if remote == "" {
		metrics.IncError(metrics.ErrDispatch)
		return fmt.Errorf("message without remote: %w", ErrNoRecipient)
	}
	var targets []*Worker
	for _, id := range s.order {
		if w, ok := s.workers.Load(id); ok && w.sub.Matches(remote) {
			targets = append(targets, w)
		}
	}
	metrics.SetDispatchFanout(len(targets))
	for _, w := range targets {
		if err := w.Send(msg); err != nil {
			return &WorkerError{ClientID: w.clientID, Err: err}
		}
	}
	return nil
}

// StopServer stops every worker in registry order, then the CAP listener,
// and removes the CAP FIFO. Calling it on a stopped broker is a no-op.
func (s *Server) StopServer() error {
	for _, id := range s.order {
		if w, ok := s.workers.Load(id); ok {
			_ = w.Stop()
			s.workers.Delete(id)
		}
	}
	s.order = nil
	metrics.SetActiveWorkers(0)
	return s.StopCapListener()
}

// Close stops the broker, swallowing secondary errors. Safe to defer.
func (s *Server) Close() {
	_ = s.StopServer()
}

// WorkerCount returns the number of live workers.
func (s *Server) WorkerCount() int { return s.workers.Size() }

// Worker returns the live worker for clientID, if any.
func (s *Server) Worker(clientID string) (*Worker, bool) { return s.workers.Load(clientID) }

// ListenerState returns the current CAP listener state.
func (s *Server) ListenerState() State { return s.getState() }
