package proto

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBadPacket          = errors.New("bad packet")
	ErrBadChecksum        = errors.New("bad checksum")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrNameTooLong        = errors.New("name exceeds 255 bytes")
)
