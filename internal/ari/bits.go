// Package ari decodes and encodes ARI baseband packets.
//
// An ARI packet is a 4-byte magic constant followed by 8 bytes of bit-packed
// header and a TLV sequence. Header and TLV fields are not byte aligned; the
// packed regions are read as little-endian words and fields occupy
// contiguous bit ranges within them:
//
//	header word (8 bytes after the magic, little-endian uint64):
//	  group   bits  0..5   (6 bits)
//	  seq     bits  6..16  (11 bits)
//	  length  bits 17..31  (15 bits, TLV bytes following the 12-byte header)
//	  type    bits 32..41  (10 bits)
//	  txid    bits 42..56  (15 bits)
//	  ack     bit  57
//
//	TLV header (4 bytes, little-endian uint32):
//	  type    bits  0..11  (12 bits)
//	  version bits 12..14  (3 bits)
//	  length  bits 15..28  (14 bits, data bytes)
package ari

import "github.com/rotisserie/eris"

// ErrOverflow is returned when a field value does not fit its bit width.
var ErrOverflow = eris.New("ari: field overflows bit width")

// Bit offsets and widths of the packed header fields.
const (
	groupOff, groupWidth   = 0, 6
	seqOff, seqWidth       = 6, 11
	lengthOff, lengthWidth = 17, 15
	typeOff, typeWidth     = 32, 10
	txOff, txWidth         = 42, 15
	ackOff, ackWidth       = 57, 1
)

// TLV header field layout.
const (
	tlvTypeOff, tlvTypeWidth       = 0, 12
	tlvVersionOff, tlvVersionWidth = 12, 3
	tlvLengthOff, tlvLengthWidth   = 15, 14
)

// MaxTLVData is the largest data payload a single TLV can carry.
const MaxTLVData = 1<<tlvLengthWidth - 1

func readBits(word uint64, off, width uint) uint64 {
	return (word >> off) & (1<<width - 1)
}

// writeBits sets a field in word, range-checking val against width.
func writeBits(word uint64, off, width uint, val uint64) (uint64, error) {
	if val >= 1<<width {
		return 0, eris.Wrapf(ErrOverflow, "value %d in %d bits", val, width)
	}
	return word | val<<off, nil
}

// Per-field readers over the packed header word. Kept as separate functions
// so each one can be round-trip tested over its full legal range.

func headerGroup(w uint64) uint8   { return uint8(readBits(w, groupOff, groupWidth)) }
func headerSeq(w uint64) uint16    { return uint16(readBits(w, seqOff, seqWidth)) }
func headerLength(w uint64) int    { return int(readBits(w, lengthOff, lengthWidth)) }
func headerType(w uint64) uint16   { return uint16(readBits(w, typeOff, typeWidth)) }
func headerTx(w uint64) uint16     { return uint16(readBits(w, txOff, txWidth)) }
func headerAck(w uint64) bool      { return readBits(w, ackOff, ackWidth) != 0 }
func tlvHdrType(w uint32) uint16   { return uint16(readBits(uint64(w), tlvTypeOff, tlvTypeWidth)) }
func tlvHdrVersion(w uint32) uint8 { return uint8(readBits(uint64(w), tlvVersionOff, tlvVersionWidth)) }
func tlvHdrLength(w uint32) int    { return int(readBits(uint64(w), tlvLengthOff, tlvLengthWidth)) }
