package cap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipebus/pipebus/proto"
)

func TestSubscription_RoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		groups []string
	}{
		{"none", nil},
		{"single", []string{"BROADCAST"}},
		{"several", []string{"A", "B", "longer_group_name"}},
		{"empty_name", []string{""}},
		{"max_name", []string{strings.Repeat("g", 255)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := EncodeSubscription(tc.groups)
			require.NoError(t, err)
			assert.EqualValues(t, Subscription, payload[0])
			assert.EqualValues(t, len(tc.groups), payload[1])

			got, err := DecodeSubscription(payload)
			require.NoError(t, err)
			require.Len(t, got, len(tc.groups))
			for i := range tc.groups {
				assert.Equal(t, tc.groups[i], got[i])
			}
		})
	}
}

func TestSubscription_Truncated(t *testing.T) {
	payload, err := EncodeSubscription([]string{"GROUP_A", "GROUP_B"})
	require.NoError(t, err)
	for n := 2; n < len(payload); n++ {
		_, err := DecodeSubscription(payload[:n])
		assert.ErrorIs(t, err, proto.ErrBadPacket, "prefix of %d bytes", n)
	}
	_, err = DecodeSubscription(nil)
	assert.ErrorIs(t, err, proto.ErrBadPacket)
	_, err = DecodeSubscription([]byte{byte(Assignment), 0x00})
	assert.ErrorIs(t, err, proto.ErrBadPacket)
}

func TestUnsubscription(t *testing.T) {
	payload := EncodeUnsubscription()
	require.Equal(t, []byte{0x02}, payload)
	require.NoError(t, DecodeUnsubscription(payload))
	assert.ErrorIs(t, DecodeUnsubscription(nil), proto.ErrBadPacket)
	assert.ErrorIs(t, DecodeUnsubscription([]byte{0x01}), proto.ErrBadPacket)
}

func TestAssignment_RoundTrip(t *testing.T) {
	payload, err := EncodeAssignment(NoError, "/tmp/clients/c1_tx.fifo", "/tmp/clients/c1_rx.fifo")
	require.NoError(t, err)
	assert.EqualValues(t, Assignment, payload[0])

	capErr, tx, rx, err := DecodeAssignment(payload)
	require.NoError(t, err)
	assert.Equal(t, NoError, capErr)
	assert.Equal(t, "/tmp/clients/c1_tx.fifo", tx)
	assert.Equal(t, "/tmp/clients/c1_rx.fifo", rx)
}

// An assignment carrying a CAP error has no path fields at all.
func TestAssignment_ErrorForms(t *testing.T) {
	for _, ce := range []Error{NameAlreadyTaken, FileSystemError} {
		payload, err := EncodeAssignment(ce, "", "")
		require.NoError(t, err)
		require.Len(t, payload, 2)

		capErr, tx, rx, err := DecodeAssignment(payload)
		require.NoError(t, err)
		assert.Equal(t, ce, capErr)
		assert.Empty(t, tx)
		assert.Empty(t, rx)
	}
}

func TestAssignment_Truncated(t *testing.T) {
	payload, err := EncodeAssignment(NoError, "/tmp/a_tx.fifo", "/tmp/a_rx.fifo")
	require.NoError(t, err)
	for n := 2; n < len(payload); n++ {
		_, _, _, err := DecodeAssignment(payload[:n])
		assert.ErrorIs(t, err, proto.ErrBadPacket, "prefix of %d bytes", n)
	}
	_, _, _, err = DecodeAssignment([]byte{byte(Subscription), 0x00})
	assert.ErrorIs(t, err, proto.ErrBadPacket)
}

func TestTypeOf(t *testing.T) {
	for _, tc := range []struct {
		payload []byte
		want    Type
	}{
		{[]byte{0x01}, Subscription},
		{[]byte{0x02}, Unsubscription},
		{[]byte{0xFF}, Assignment},
	} {
		got, err := TypeOf(tc.payload)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err := TypeOf(nil)
	assert.ErrorIs(t, err, proto.ErrBadPacket)
	_, err = TypeOf([]byte{0x42})
	assert.ErrorIs(t, err, proto.ErrBadPacket)
}

func TestEncodeLimits(t *testing.T) {
	_, err := EncodeSubscription([]string{strings.Repeat("x", 256)})
	assert.ErrorIs(t, err, proto.ErrNameTooLong)
	groups := make([]string, 256)
	_, err = EncodeSubscription(groups)
	assert.ErrorIs(t, err, proto.ErrNameTooLong)
	_, err = EncodeAssignment(NoError, strings.Repeat("p", 256), "rx")
	assert.ErrorIs(t, err, proto.ErrNameTooLong)
}

func FuzzDecodeSubscription(f *testing.F) {
	seed, _ := EncodeSubscription([]string{"A", "BB"})
	f.Add(seed)
	f.Add([]byte{0x01, 0x05, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		groups, err := DecodeSubscription(data)
		if err != nil {
			return
		}
		reencoded, err := EncodeSubscription(groups)
		if err != nil {
			t.Fatalf("re-encode of accepted payload failed: %v", err)
		}
		roundTrip, err := DecodeSubscription(reencoded)
		if err != nil {
			t.Fatalf("round trip decode failed: %v", err)
		}
		if len(roundTrip) != len(groups) {
			t.Fatalf("group count changed: %d != %d", len(roundTrip), len(groups))
		}
	})
}

func FuzzDecodeAssignment(f *testing.F) {
	seed, _ := EncodeAssignment(NoError, "/tmp/tx", "/tmp/rx")
	f.Add(seed)
	f.Add([]byte{0xFF, 0x00, 0x04})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _, _, _ = DecodeAssignment(data)
	})
}
