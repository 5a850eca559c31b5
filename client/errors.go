package client

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Codec failures surface the proto package's sentinels and pipe failures
// the fifo package's; the ones below are the client-engine's own.
var (
	ErrUninitialized        = errors.New("client not initialized")
	ErrNoDataAvailable      = errors.New("no data available on pipe")
	ErrNotSubscribed        = errors.New("client not subscribed")
	ErrNotUnsubscribed      = errors.New("client already subscribed")
	ErrCapTimeout           = errors.New("cap timeout")
	ErrThread               = errors.New("receiver loop gone")
	ErrThreadAlreadyRunning = errors.New("receiver loop already running")
)
