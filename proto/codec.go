package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/pipebus/pipebus/internal/metrics"
)

// Frame sentinels (V1).
const (
	soh = 0x01
	stx = 0x02
	etx = 0x03
)

// MinFrameSize is the size of a V1 frame with empty origin, remote and payload.
const MinFrameSize = 17

// Encode serializes m into a V1 frame:
//
//	SOH VERSION OLEN ORIGIN RLEN REMOTE TTL DLEN(8,BE) OPTIONS CHECKSUM STX DATA ETX
//
// The checksum byte is the XOR of every other frame byte and is written last
// at its reserved offset; it stays 0x00 when OptICK is set.
func Encode(m *Message) ([]byte, error) {
	if m.version != V1 {
		return nil, fmt.Errorf("encode: %w (%d)", ErrUnsupportedVersion, m.version)
	}
	if len(m.origin) > 255 {
		return nil, fmt.Errorf("encode origin: %w", ErrNameTooLong)
	}
	if len(m.remote) > 255 {
		return nil, fmt.Errorf("encode remote: %w", ErrNameTooLong)
	}
	out := make([]byte, 0, MinFrameSize+len(m.origin)+len(m.remote)+len(m.data))
	out = append(out, soh, byte(m.version))
	out = append(out, byte(len(m.origin)))
	out = append(out, m.origin...)
	out = append(out, byte(len(m.remote)))
	out = append(out, m.remote...)
	out = append(out, m.ttl)
	out = binary.BigEndian.AppendUint64(out, uint64(len(m.data)))
	out = append(out, byte(m.options))
	ckIdx := len(out)
	out = append(out, 0x00)
	out = append(out, stx)
	out = append(out, m.data...)
	out = append(out, etx)
	if !m.options.IsSet(OptICK) {
		out[ckIdx] = xorFrame(out, ckIdx)
	}
	return out, nil
}

// Decode parses a V1 frame back into a Message. It never panics on
// truncated or hostile input; malformed frames fail with ErrBadPacket,
// unknown versions with ErrUnsupportedVersion, and checksum mismatches
// (with OptICK clear) with ErrBadChecksum.
func Decode(data []byte) (*Message, error) {
	if len(data) < 2 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: truncated header: %w", ErrBadPacket)
	}
	if data[0] != soh {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: missing SOH: %w", ErrBadPacket)
	}
	if Version(data[1]) != V1 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: %w (%d)", ErrUnsupportedVersion, data[1])
	}
	if len(data) < MinFrameSize {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: frame shorter than %d bytes: %w", MinFrameSize, ErrBadPacket)
	}

	// Variable-length header: walk the declared lengths, checking the
	// buffer before every field.
	originLen := int(data[2])
	if len(data) < MinFrameSize+originLen {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: truncated origin: %w", ErrBadPacket)
	}
	idx := 3
	origin := string(data[idx : idx+originLen])
	idx += originLen

	remoteLen := int(data[idx])
	if len(data) < MinFrameSize+originLen+remoteLen {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: truncated remote: %w", ErrBadPacket)
	}
	idx++
	remote := string(data[idx : idx+remoteLen])
	idx += remoteLen

	ttl := data[idx]
	idx++
	dataLen := binary.BigEndian.Uint64(data[idx : idx+8])
	idx += 8
	options := Options(data[idx])
	idx++
	checksum := data[idx]
	ckIdx := idx
	idx++

	if data[idx] != stx {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: missing STX: %w", ErrBadPacket)
	}
	idx++
	// Bound the declared length by the buffer before computing the ETX
	// offset so a pathological length cannot wrap the arithmetic.
	if dataLen > uint64(len(data)) {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: declared payload exceeds frame: %w", ErrBadPacket)
	}
	etxIdx := uint64(idx) + dataLen
	if etxIdx >= uint64(len(data)) {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: declared payload exceeds frame: %w", ErrBadPacket)
	}
	if data[etxIdx] != etx {
		metrics.IncMalformed()
		return nil, fmt.Errorf("decode: missing ETX: %w", ErrBadPacket)
	}
	payload := data[idx:etxIdx]

	if !options.IsSet(OptICK) {
		if want := xorFrame(data[:etxIdx+1], ckIdx); want != checksum {
			metrics.IncMalformed()
			return nil, fmt.Errorf("decode: got 0x%02X want 0x%02X: %w", checksum, want, ErrBadChecksum)
		}
	}
	return NewMessage(V1, origin, remote, ttl, options, payload), nil
}

// xorFrame XORs every frame byte, treating the checksum byte at ckIdx as 0x00.
func xorFrame(frame []byte, ckIdx int) byte {
	var ck byte
	for i, b := range frame {
		if i == ckIdx {
			continue
		}
		ck ^= b
	}
	return ck
}
