package ari

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
)

// Magic is the 4-byte constant opening every ARI packet, written
// little-endian on the wire.
const Magic uint32 = 0xDEC07EAB

// HeaderSize is the fixed prefix before TLV data: magic plus packed header.
const HeaderSize = 12

// Decode failure sentinels, all skippable per packet.
var (
	ErrBadMagic       = eris.New("ari: bad magic")
	ErrLengthMismatch = eris.New("ari: declared length does not match buffer")
	ErrTruncated      = eris.New("ari: packet truncated")
)

// TLV is one type-length-value record of an ARI packet body.
type TLV struct {
	Type    uint16 // 12 bits
	Version uint8  // 3 bits
	Data    []byte // at most MaxTLVData bytes
}

// Packet is a fully decoded ARI packet.
type Packet struct {
	Group           uint8  // 6 bits
	Sequence        uint16 // 11 bits
	Type            uint16 // 10 bits
	TransactionID   uint16 // 15 bits
	Acknowledgement bool
	TLVs            []TLV
}

// TLV returns the first TLV with the given type, or nil.
func (p *Packet) TLV(typ uint16) *TLV {
	for i := range p.TLVs {
		if p.TLVs[i].Type == typ {
			return &p.TLVs[i]
		}
	}
	return nil
}

// Decode parses a raw ARI buffer into a Packet.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, eris.Wrapf(ErrTruncated, "have %d header bytes", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return nil, eris.Wrapf(ErrBadMagic, "got 0x%08x", binary.LittleEndian.Uint32(buf[0:4]))
	}

	word := binary.LittleEndian.Uint64(buf[4:12])
	p := &Packet{
		Group:           headerGroup(word),
		Sequence:        headerSeq(word),
		Type:            headerType(word),
		TransactionID:   headerTx(word),
		Acknowledgement: headerAck(word),
	}

	if headerLength(word)+HeaderSize != len(buf) {
		return nil, eris.Wrapf(ErrLengthMismatch, "declared %d+12, buffer %d", headerLength(word), len(buf))
	}

	off := HeaderSize
	for off < len(buf) {
		if len(buf) < off+4 {
			return nil, eris.Wrap(ErrTruncated, "tlv header")
		}
		hdr := binary.LittleEndian.Uint32(buf[off : off+4])
		dlen := tlvHdrLength(hdr)
		off += 4
		if len(buf) < off+dlen {
			return nil, eris.Wrapf(ErrTruncated, "tlv 0x%03x data wants %d bytes", tlvHdrType(hdr), dlen)
		}
		data := make([]byte, dlen)
		copy(data, buf[off:off+dlen])
		p.TLVs = append(p.TLVs, TLV{Type: tlvHdrType(hdr), Version: tlvHdrVersion(hdr), Data: data})
		off += dlen
	}

	return p, nil
}
