package proto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

// Known encode vector: 48-byte frame with origin, remote, RCK and a 9-byte
// payload.
func TestEncode_KnownFrame(t *testing.T) {
	msg := NewMessage(V1, "test_client", "test_remote", 60, OptRCK, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	frame, err := Encode(msg)
	require.NoError(t, err)
	require.Len(t, frame, 48)

	assert.EqualValues(t, 0x01, frame[0], "SOH")
	assert.EqualValues(t, 0x01, frame[1], "version")
	assert.EqualValues(t, 0x0B, frame[2], "origin length")
	assert.Equal(t, []byte("test_client"), frame[3:14])
	assert.EqualValues(t, 0x0B, frame[14], "remote length")
	assert.Equal(t, []byte("test_remote"), frame[15:26])
	assert.EqualValues(t, 60, frame[26], "ttl")
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 9}, frame[27:35], "data length")
	assert.EqualValues(t, 0x01, frame[35], "options")
	assert.EqualValues(t, 0x29, frame[36], "checksum")
	assert.EqualValues(t, 0x02, frame[37], "STX")
	assert.EqualValues(t, 0x03, frame[47], "ETX")
}

// Known decode vector: 69-byte frame captured from the wire.
func TestDecode_KnownFrame(t *testing.T) {
	frame := []byte{
		0x01, 0x01,
		0x0B, 't', 'e', 's', 't', '_', 'p', 'a', 'r', 's', 'e', 'r',
		0x09, 'B', 'R', 'O', 'A', 'D', 'C', 'A', 'S', 'T',
		0x3C,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20,
		0x00, 0x0E, 0x02,
	}
	frame = append(frame, mkPayload(32)...)
	frame = append(frame, 0x03)
	require.Len(t, frame, 69)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "test_parser", msg.Origin())
	assert.Equal(t, "BROADCAST", msg.Remote())
	assert.EqualValues(t, 60, msg.TTL())
	assert.EqualValues(t, 0, msg.Options())
	require.Len(t, msg.Data(), 32)
	for i, b := range msg.Data() {
		require.EqualValues(t, i, b, "data[%d]", i)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"plain", NewMessage(V1, "origin", "remote", 10, 0, []byte("hello"))},
		{"empty_all", NewMessage(V1, "", "", 0, 0, nil)},
		{"no_origin", NewMessage(V1, "", "dest", 255, OptRCK, mkPayload(100))},
		{"no_remote", NewMessage(V1, "src", "", 1, OptACK, mkPayload(1))},
		{"ick", NewMessage(V1, "a", "b", 5, OptICK, []byte{0xFF})},
		{"rck_ack", NewMessage(V1, "x", "y", 60, OptRCK|OptACK, mkPayload(2048))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.msg)
			require.NoError(t, err)
			got, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, tc.msg.Origin(), got.Origin())
			assert.Equal(t, tc.msg.Remote(), got.Remote())
			assert.Equal(t, tc.msg.TTL(), got.TTL())
			assert.Equal(t, tc.msg.Options(), got.Options())
			assert.Equal(t, append([]byte{}, tc.msg.Data()...), append([]byte{}, got.Data()...))

			// Re-encoding the decoded message must reproduce the frame
			// byte for byte, checksum included.
			wire2, err := Encode(got)
			require.NoError(t, err)
			assert.Equal(t, wire, wire2)
		})
	}
}

func TestDecode_ChecksumDetection(t *testing.T) {
	msg := NewMessage(V1, "ab", "cd", 7, 0, mkPayload(16))
	wire, err := Encode(msg)
	require.NoError(t, err)
	const ckIdx = 18 // checksum offset for two 2-byte names

	// Flips in names, ttl and payload keep the frame well-formed, so the
	// mismatch must surface as a checksum failure.
	for _, idx := range []int{3, 4, 6, 7, 8, 23, 30} {
		mutated := append([]byte{}, wire...)
		mutated[idx] ^= 0x01
		_, err := Decode(mutated)
		require.Error(t, err, "flip at %d", idx)
		assert.ErrorIs(t, err, ErrBadChecksum, "flip at %d", idx)
	}

	// Structural bytes fail earlier, but must still fail.
	for idx := 0; idx < len(wire); idx++ {
		if idx == ckIdx { // skip the checksum byte itself
			continue
		}
		mutated := append([]byte{}, wire...)
		mutated[idx] ^= 0x08 // avoid toggling OptICK at the options byte
		if _, err := Decode(mutated); err == nil {
			t.Fatalf("flip at %d decoded successfully", idx)
		}
	}

	// Corrupting the checksum byte itself must also be detected.
	mutated := append([]byte{}, wire...)
	mutated[ckIdx] ^= 0xFF
	_, err = Decode(mutated)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestDecode_IgnoreChecksum(t *testing.T) {
	msg := NewMessage(V1, "a", "b", 1, OptICK, []byte("data"))
	wire, err := Encode(msg)
	require.NoError(t, err)
	// Payload corruption goes unnoticed with ICK set.
	wire[len(wire)-2] ^= 0xFF
	_, err = Decode(wire)
	assert.NoError(t, err)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	msg := NewMessage(V1, "a", "b", 1, 0, nil)
	wire, err := Encode(msg)
	require.NoError(t, err)
	for _, v := range []byte{0x00, 0x02, 0x7F, 0xFF} {
		mutated := append([]byte{}, wire...)
		mutated[1] = v
		_, err := Decode(mutated)
		assert.ErrorIs(t, err, ErrUnsupportedVersion, "version 0x%02X", v)
	}
}

// Every truncation of a valid frame must fail with ErrBadPacket; the
// decoder must never panic or return a partial message.
func TestDecode_Truncation(t *testing.T) {
	msg := NewMessage(V1, "test_client", "test_remote", 60, 0, mkPayload(20))
	wire, err := Encode(msg)
	require.NoError(t, err)
	for n := 0; n < len(wire); n++ {
		_, err := Decode(wire[:n])
		require.Error(t, err, "prefix of %d bytes", n)
		assert.ErrorIs(t, err, ErrBadPacket, "prefix of %d bytes", n)
	}
}

func TestDecode_PathologicalLength(t *testing.T) {
	msg := NewMessage(V1, "", "", 0, 0, nil)
	wire, err := Encode(msg)
	require.NoError(t, err)
	// Declare a payload size far beyond the buffer; computed ETX offset
	// must not wrap or read out of bounds.
	for i := 5; i < 13; i++ {
		wire[i] = 0xFF
	}
	_, err = Decode(wire)
	assert.ErrorIs(t, err, ErrBadPacket)
}

func TestDecode_MissingSentinels(t *testing.T) {
	msg := NewMessage(V1, "o", "r", 1, 0, []byte{1})
	wire, err := Encode(msg)
	require.NoError(t, err)

	noSOH := append([]byte{}, wire...)
	noSOH[0] = 0x55
	_, err = Decode(noSOH)
	assert.ErrorIs(t, err, ErrBadPacket)

	noETX := append([]byte{}, wire...)
	noETX[len(noETX)-1] = 0x55
	_, err = Decode(noETX)
	assert.ErrorIs(t, err, ErrBadPacket)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrBadPacket)
}

func TestEncode_NameTooLong(t *testing.T) {
	long := string(mkPayload(256))
	_, err := Encode(NewMessage(V1, long, "", 0, 0, nil))
	assert.ErrorIs(t, err, ErrNameTooLong)
	_, err = Encode(NewMessage(V1, "", long, 0, 0, nil))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestOptions_IsSet(t *testing.T) {
	opts := OptRCK | OptICK
	assert.True(t, opts.IsSet(OptRCK))
	assert.True(t, opts.IsSet(OptICK))
	assert.False(t, opts.IsSet(OptACK))
	assert.True(t, opts.IsSet(OptRCK|OptACK), "intersection semantics")
}

func TestDecode_ErrorsAreClassifiable(t *testing.T) {
	_, err := Decode([]byte{0x01})
	if !errors.Is(err, ErrBadPacket) {
		t.Fatalf("expected ErrBadPacket, got %v", err)
	}
}

func BenchmarkEncode(b *testing.B) {
	msg := NewMessage(V1, "bench_origin", "bench_remote", 60, 0, mkPayload(1024))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecode(b *testing.B) {
	msg := NewMessage(V1, "bench_origin", "bench_remote", 60, 0, mkPayload(1024))
	wire, err := Encode(msg)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(wire); err != nil {
			b.Fatal(err)
		}
	}
}
