package ari

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripField writes val into an empty word at the field's position and
// reads it back through the matching reader.
func TestHeaderFields_FullRangeRoundTrip(t *testing.T) {
	fields := []struct {
		name       string
		off, width uint
		read       func(uint64) uint64
	}{
		{"group", groupOff, groupWidth, func(w uint64) uint64 { return uint64(headerGroup(w)) }},
		{"seq", seqOff, seqWidth, func(w uint64) uint64 { return uint64(headerSeq(w)) }},
		{"length", lengthOff, lengthWidth, func(w uint64) uint64 { return uint64(headerLength(w)) }},
		{"type", typeOff, typeWidth, func(w uint64) uint64 { return uint64(headerType(w)) }},
		{"txid", txOff, txWidth, func(w uint64) uint64 { return uint64(headerTx(w)) }},
	}

	for _, f := range fields {
		t.Run(f.name, func(t *testing.T) {
			maxVal := uint64(1)<<f.width - 1
			// Surround the field with all-ones to prove isolation.
			base := ^uint64(0) &^ (maxVal << f.off)
			for _, val := range []uint64{0, 1, maxVal / 2, maxVal} {
				w, err := writeBits(base, f.off, f.width, val)
				require.NoError(t, err)
				assert.Equal(t, val, f.read(w), "value %d", val)
			}
		})
	}
}

func TestHeaderAck_RoundTrip(t *testing.T) {
	w, err := writeBits(0, ackOff, ackWidth, 1)
	require.NoError(t, err)
	assert.True(t, headerAck(w))
	assert.False(t, headerAck(0))
}

func TestWriteBits_Overflow(t *testing.T) {
	_, err := writeBits(0, groupOff, groupWidth, 1<<groupWidth)
	assert.True(t, eris.Is(err, ErrOverflow))
}

func TestTLVHeaderFields_FullRangeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name       string
		off, width uint
		read       func(uint32) uint64
	}{
		{"type", tlvTypeOff, tlvTypeWidth, func(w uint32) uint64 { return uint64(tlvHdrType(w)) }},
		{"version", tlvVersionOff, tlvVersionWidth, func(w uint32) uint64 { return uint64(tlvHdrVersion(w)) }},
		{"length", tlvLengthOff, tlvLengthWidth, func(w uint32) uint64 { return uint64(tlvHdrLength(w)) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			maxVal := uint64(1)<<tc.width - 1
			for _, val := range []uint64{0, 1, maxVal} {
				w, err := writeBits(0, tc.off, tc.width, val)
				require.NoError(t, err)
				assert.Equal(t, val, tc.read(uint32(w)))
			}
		})
	}
}
