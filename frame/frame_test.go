package frame_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/frame"
)

func randHeader(t *rapid.T) frame.Header {
	var flags frame.Flags
	if rapid.Bool().Draw(t, "syn") {
		flags |= frame.FlagSYN
	}
	if rapid.Bool().Draw(t, "fin") {
		flags |= frame.FlagFIN
	}
	if rapid.Bool().Draw(t, "ack") {
		flags |= frame.FlagACK
	}
	return frame.Header{
		Version:     frame.Version1,
		PayloadType: 0,
		Flags:       flags,
		AckWindow:   uint8(rapid.IntRange(0, 15).Draw(t, "ackwindow")),
		Src:         lrtp.Address(rapid.Uint16().Draw(t, "src")),
		Dest:        lrtp.Address(rapid.Uint16().Draw(t, "dest")),
		Seq:         uint8(rapid.IntRange(0, 255).Draw(t, "seq")),
		Ack:         uint8(rapid.IntRange(0, 255).Draw(t, "ack")),
	}
}

// TestRoundTrip verifies spec §8's quantified invariant:
// decode(encode(f)) == f for every header and payload combination.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := randHeader(t)
		payload := rapid.SliceOfN(rapid.Byte(), 0, frame.MaxPayload).Draw(t, "payload")

		var buf [frame.MaxFrame]byte
		encoded, err := frame.Encode(buf[:], h, payload)
		require.NoError(t, err)
		require.Equal(t, frame.HeaderLen+len(payload), len(encoded))

		gotHeader, gotPayload, err := frame.Decode(encoded)
		require.NoError(t, err)
		if diff := cmp.Diff(h, gotHeader); diff != "" {
			t.Fatalf("header round-trip mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, payload, gotPayload)
	})
}

func TestDecodeTooShort(t *testing.T) {
	for n := 0; n < frame.HeaderLen; n++ {
		_, _, err := frame.Decode(make([]byte, n))
		assert.ErrorIs(t, err, lrtp.ErrTooShort, "length %d should be too short", n)
	}
}

func TestEncodeOversizePayloadRejected(t *testing.T) {
	h := frame.Header{Version: frame.Version1, Src: 1, Dest: 2}
	var buf [512]byte
	_, err := frame.Encode(buf[:], h, make([]byte, frame.MaxPayload+1))
	assert.ErrorIs(t, err, lrtp.ErrFrameTooLarge)
}

func TestFlagNibbleLayout(t *testing.T) {
	// Flags pack into the upper nibble of byte 1 in order SYN,FIN,ACK,reserved (spec §4.1).
	h := frame.Header{Version: frame.Version1, Flags: frame.FlagSYN, AckWindow: 4, Src: 0x1234, Dest: 0x5678, Seq: 9, Ack: 10}
	var buf [frame.HeaderLen]byte
	encoded, err := frame.Encode(buf[:], h, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80|4), encoded[1], "SYN should be the high bit of the upper nibble")
}

func TestControlFrameHasNoPayload(t *testing.T) {
	h := frame.Header{Version: frame.Version1, Flags: frame.FlagACK, Src: 1, Dest: 2}
	var buf [frame.HeaderLen]byte
	encoded, err := frame.Encode(buf[:], h, nil)
	require.NoError(t, err)
	_, payload, err := frame.Decode(encoded)
	require.NoError(t, err)
	assert.True(t, h.IsControl(len(payload)))
}
