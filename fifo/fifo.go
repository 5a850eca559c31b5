// Package fifo is a thin adapter over POSIX named pipes. Every operation
// takes a path and is self-contained: pipes are opened non-blocking, read or
// written under a caller-supplied deadline and closed before returning. The
// package keeps no state across calls; concurrency comes from running the
// operations on dedicated goroutines.
package fifo

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrOpenFailed  = errors.New("fifo open failed")
	ErrReadFailed  = errors.New("fifo read failed")
	ErrWriteFailed = errors.New("fifo write failed")
)

const (
	readBufSize  = 2048
	pollInterval = time.Millisecond
)

// Create makes a FIFO at path with mode 0666. An already existing FIFO is
// not an error.
func Create(path string) error {
	if err := unix.Mkfifo(path, 0o666); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return fmt.Errorf("mkfifo %s: %w: %v", path, ErrOpenFailed, err)
	}
	return nil
}

// Delete removes the FIFO at path. A missing file is not an error.
func Delete(path string) error {
	if err := unix.Unlink(path); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// Read opens the FIFO for reading in non-blocking mode and accumulates
// bytes until a zero-length read follows at least one byte (the writer has
// closed its end) or the timeout expires. A timeout of 0 means unbounded.
// It returns nil with no error when nothing arrived in time.
func Read(path string, timeout time.Duration) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s for read: %w: %v", path, ErrOpenFailed, err)
	}
	defer unix.Close(fd)

	start := time.Now()
	buf := make([]byte, readBufSize)
	var out []byte
	for timeout == 0 || time.Since(start) < timeout {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil && n == 0:
			// No writer connected, or the writer closed. Once bytes
			// have been accumulated this marks the end of the frame.
			if len(out) > 0 {
				return out, nil
			}
			time.Sleep(pollInterval)
		case err == nil:
			out = append(out, buf[:n]...)
		case errors.Is(err, unix.EAGAIN):
			// Would block: the writer still has the pipe open but has
			// not flushed more bytes yet. Only a zero-length read ends
			// the frame.
			time.Sleep(pollInterval)
		case errors.Is(err, unix.EINTR):
			// retry
		default:
			return nil, fmt.Errorf("read %s: %w: %v", path, ErrReadFailed, err)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Write opens the FIFO for writing, retrying while no reader is connected,
// then writes data until everything is flushed. Both phases share the same
// deadline; expiry during either phase fails with ErrWriteFailed. A timeout
// of 0 means unbounded.
func Write(path string, timeout time.Duration, data []byte) error {
	start := time.Now()
	expired := func() bool { return timeout > 0 && time.Since(start) >= timeout }

	var fd int
	for {
		var err error
		fd, err = unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		// ENXIO: FIFO exists but nobody has it open for reading yet.
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("open %s for write: %w: %v", path, ErrOpenFailed, err)
		}
		if expired() {
			return fmt.Errorf("open %s for write: no reader within %s: %w", path, timeout, ErrWriteFailed)
		}
		time.Sleep(pollInterval)
	}
	defer unix.Close(fd)

	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			if expired() {
				return fmt.Errorf("write %s: %d/%d bytes within %s: %w", path, written, len(data), timeout, ErrWriteFailed)
			}
			time.Sleep(pollInterval)
		default:
			return fmt.Errorf("write %s: %w: %v", path, ErrWriteFailed, err)
		}
		if written < len(data) && expired() {
			return fmt.Errorf("write %s: %d/%d bytes within %s: %w", path, written, len(data), timeout, ErrWriteFailed)
		}
	}
	return nil
}

// Exists reports whether path exists on the filesystem.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
