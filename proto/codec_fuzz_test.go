package proto

import (
	"bytes"
	"testing"
)

// FuzzDecode ensures the decoder never panics on arbitrary input and that
// anything it accepts re-encodes to the same bytes (checksum included)
// unless the frame carried OptICK.
func FuzzDecode(f *testing.F) {
	seeds := []*Message{
		NewMessage(V1, "", "", 0, 0, nil),
		NewMessage(V1, "client", "BROADCAST", 60, OptRCK, []byte{1, 2, 3}),
		NewMessage(V1, "a", "b", 5, OptICK, []byte{0xFF, 0x00}),
	}
	for _, m := range seeds {
		wire, err := Encode(m)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(wire)
	}
	f.Add([]byte{0x01, 0x01, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(data)
		if err != nil {
			return
		}
		if msg.Options().IsSet(OptICK) {
			return
		}
		wire, err := Encode(msg)
		if err != nil {
			t.Fatalf("re-encode of accepted frame failed: %v", err)
		}
		if !bytes.Equal(wire, data[:len(wire)]) {
			t.Fatalf("re-encode mismatch\n got  % X\n want % X", wire, data[:len(wire)])
		}
	})
}
