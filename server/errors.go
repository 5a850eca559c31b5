package server

import (
	"errors"
	"fmt"

	"github.com/pipebus/pipebus/fifo"
	"github.com/pipebus/pipebus/internal/metrics"
	"github.com/pipebus/pipebus/proto"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNotRunning           = errors.New("server not running")
	ErrThreadAlreadyRunning = errors.New("cap listener already running")
	ErrWorkerExists         = errors.New("worker exists")
	ErrWorkerNotFound       = errors.New("worker not found")
	ErrWorkerNotRunning     = errors.New("worker not running")
	ErrNoRecipient          = errors.New("no recipient")
	ErrBadClientDir         = errors.New("bad client directory")
)

// WorkerError ties a failure to the client whose worker raised it.
type WorkerError struct {
	ClientID string
	Err      error
}

func (e *WorkerError) Error() string { return fmt.Sprintf("worker %s: %v", e.ClientID, e.Err) }
func (e *WorkerError) Unwrap() error { return e.Err }

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, fifo.ErrWriteFailed):
		return metrics.ErrPipeWrite
	case errors.Is(err, fifo.ErrReadFailed):
		return metrics.ErrPipeRead
	case errors.Is(err, fifo.ErrOpenFailed):
		return metrics.ErrPipeCreate
	case errors.Is(err, proto.ErrBadPacket), errors.Is(err, proto.ErrBadChecksum),
		errors.Is(err, proto.ErrUnsupportedVersion):
		return metrics.ErrCapRead
	case errors.Is(err, ErrNoRecipient), errors.Is(err, ErrWorkerNotFound):
		return metrics.ErrDispatch
	default:
		return "other"
	}
}
