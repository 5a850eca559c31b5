// Package cap implements the Common Access Pipe control payloads. CAP
// payloads travel as the data field of a regular V1 message; the first
// payload byte selects the control message type.
package cap

import (
	"fmt"

	"github.com/pipebus/pipebus/proto"
)

// Type is the CAP control message type, carried in the first payload byte.
type Type uint8

const (
	Subscription   Type = 0x01
	Unsubscription Type = 0x02
	Assignment     Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case Subscription:
		return "subscription"
	case Unsubscription:
		return "unsubscription"
	case Assignment:
		return "assignment"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(t))
}

// Error is the CAP-level error byte carried in an Assignment.
type Error uint8

const (
	NoError          Error = 0
	NameAlreadyTaken Error = 1
	FileSystemError  Error = 2
)

func (e Error) String() string {
	switch e {
	case NoError:
		return "no error"
	case NameAlreadyTaken:
		return "name already taken"
	case FileSystemError:
		return "file system error"
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// TypeOf returns the CAP type of a payload, or ErrBadPacket for an empty
// payload or an unknown type byte.
func TypeOf(payload []byte) (Type, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("cap type: empty payload: %w", proto.ErrBadPacket)
	}
	switch t := Type(payload[0]); t {
	case Subscription, Unsubscription, Assignment:
		return t, nil
	}
	return 0, fmt.Errorf("cap type: unknown type 0x%02X: %w", payload[0], proto.ErrBadPacket)
}

// EncodeSubscription builds a Subscription payload: the type byte, a group
// count and a length-prefixed name per group. Each name must fit in 255
// bytes and at most 255 groups are allowed.
func EncodeSubscription(groups []string) ([]byte, error) {
	if len(groups) > 255 {
		return nil, fmt.Errorf("encode subscription: %d groups: %w", len(groups), proto.ErrNameTooLong)
	}
	size := 2
	for _, g := range groups {
		if len(g) > 255 {
			return nil, fmt.Errorf("encode subscription group: %w", proto.ErrNameTooLong)
		}
		size += 1 + len(g)
	}
	payload := make([]byte, 0, size)
	payload = append(payload, byte(Subscription), byte(len(groups)))
	for _, g := range groups {
		payload = append(payload, byte(len(g)))
		payload = append(payload, g...)
	}
	return payload, nil
}

// DecodeSubscription parses a Subscription payload back into its group list.
func DecodeSubscription(payload []byte) ([]string, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("decode subscription: truncated: %w", proto.ErrBadPacket)
	}
	if Type(payload[0]) != Subscription {
		return nil, fmt.Errorf("decode subscription: type 0x%02X: %w", payload[0], proto.ErrBadPacket)
	}
	count := int(payload[1])
	groups := make([]string, 0, count)
	idx := 2
	for len(groups) < count {
		if idx >= len(payload) {
			return nil, fmt.Errorf("decode subscription: truncated group list: %w", proto.ErrBadPacket)
		}
		glen := int(payload[idx])
		idx++
		if idx+glen > len(payload) {
			return nil, fmt.Errorf("decode subscription: truncated group name: %w", proto.ErrBadPacket)
		}
		groups = append(groups, string(payload[idx:idx+glen]))
		idx += glen
	}
	return groups, nil
}

// EncodeUnsubscription builds an Unsubscription payload (type byte only).
func EncodeUnsubscription() []byte {
	return []byte{byte(Unsubscription)}
}

// DecodeUnsubscription validates an Unsubscription payload.
func DecodeUnsubscription(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("decode unsubscription: empty payload: %w", proto.ErrBadPacket)
	}
	if Type(payload[0]) != Unsubscription {
		return fmt.Errorf("decode unsubscription: type 0x%02X: %w", payload[0], proto.ErrBadPacket)
	}
	return nil
}

// EncodeAssignment builds an Assignment payload. With NoError the TX and RX
// pipe paths are appended length-prefixed; with any other CAP error the
// path fields are omitted.
func EncodeAssignment(capErr Error, txPipe, rxPipe string) ([]byte, error) {
	if capErr != NoError {
		return []byte{byte(Assignment), byte(capErr)}, nil
	}
	if len(txPipe) > 255 || len(rxPipe) > 255 {
		return nil, fmt.Errorf("encode assignment path: %w", proto.ErrNameTooLong)
	}
	payload := make([]byte, 0, 4+len(txPipe)+len(rxPipe))
	payload = append(payload, byte(Assignment), byte(capErr))
	payload = append(payload, byte(len(txPipe)))
	payload = append(payload, txPipe...)
	payload = append(payload, byte(len(rxPipe)))
	payload = append(payload, rxPipe...)
	return payload, nil
}

// DecodeAssignment parses an Assignment payload. When the CAP error is not
// NoError the path fields are absent and both returned paths are empty.
func DecodeAssignment(payload []byte) (Error, string, string, error) {
	if len(payload) < 2 {
		return 0, "", "", fmt.Errorf("decode assignment: truncated: %w", proto.ErrBadPacket)
	}
	if Type(payload[0]) != Assignment {
		return 0, "", "", fmt.Errorf("decode assignment: type 0x%02X: %w", payload[0], proto.ErrBadPacket)
	}
	capErr := Error(payload[1])
	if capErr != NoError {
		return capErr, "", "", nil
	}
	if len(payload) < 4 {
		return 0, "", "", fmt.Errorf("decode assignment: truncated paths: %w", proto.ErrBadPacket)
	}
	txLen := int(payload[2])
	idx := 3
	if idx+txLen >= len(payload) {
		return 0, "", "", fmt.Errorf("decode assignment: truncated tx path: %w", proto.ErrBadPacket)
	}
	txPipe := string(payload[idx : idx+txLen])
	idx += txLen
	rxLen := int(payload[idx])
	idx++
	if idx+rxLen > len(payload) {
		return 0, "", "", fmt.Errorf("decode assignment: truncated rx path: %w", proto.ErrBadPacket)
	}
	rxPipe := string(payload[idx : idx+rxLen])
	return NoError, txPipe, rxPipe, nil
}
