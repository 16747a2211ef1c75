// Package qmi decodes and encodes QMI QMux diagnostic packets.
//
// Wire layout, little-endian throughout:
//
//	[0]     magic, always 0x01
//	[1:3]   total length = len(buffer) - 1
//	[3]     direction/control flag, one of 0x00 0x01 0x80 0x81
//	[4]     service id
//	[5]     client id
//	        transaction header:
//	          control service (0x00): 1 flag byte + 1-byte transaction id
//	          other services:         1 flag byte + 2-byte transaction id
//	[..]    message id (2) + message body length (2)
//	[..]    TLVs: 1-byte type + 2-byte length + value, until the body
//	        length is exhausted
//
// Declared lengths must match consumed bytes exactly at every level.
package qmi

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
)

const (
	// Magic is the fixed first byte of every QMux frame.
	Magic = 0x01

	// ServiceControl is the QMI control service (short transaction header).
	ServiceControl = 0x00
	// ServiceNAS is the network access service carrying registration and
	// signal telemetry.
	ServiceNAS = 0x03
)

// Decode failure sentinels. Callers treat any of them as a skippable,
// non-fatal condition for the single offending packet.
var (
	ErrBadMagic       = eris.New("qmi: bad magic byte")
	ErrBadFlag        = eris.New("qmi: direction flag not permitted")
	ErrLengthMismatch = eris.New("qmi: declared length does not match buffer")
	ErrTruncated      = eris.New("qmi: packet truncated")
)

// ErrOverflow is returned by Encode when a field does not fit its wire width.
var ErrOverflow = eris.New("qmi: field overflows wire width")

// permitted direction flag values
var permittedFlags = [4]byte{0x00, 0x01, 0x80, 0x81}

// TLV is one type-length-value record of a QMI message body.
type TLV struct {
	Type  uint8
	Value []byte
}

// Packet is a fully decoded QMI packet.
type Packet struct {
	Flag          uint8
	Service       uint8
	Client        uint8
	Compound      bool
	Response      bool
	Indication    bool
	TransactionID uint16
	MessageID     uint16
	TLVs          []TLV
}

// TLV returns the first TLV with the given type, or nil.
func (p *Packet) TLV(typ uint8) *TLV {
	for i := range p.TLVs {
		if p.TLVs[i].Type == typ {
			return &p.TLVs[i]
		}
	}
	return nil
}

// Decode parses a raw QMux buffer into a Packet.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < 6 {
		return nil, eris.Wrapf(ErrTruncated, "have %d header bytes", len(buf))
	}
	if buf[0] != Magic {
		return nil, eris.Wrapf(ErrBadMagic, "got 0x%02x", buf[0])
	}
	if int(binary.LittleEndian.Uint16(buf[1:3])) != len(buf)-1 {
		return nil, eris.Wrapf(ErrLengthMismatch, "declared %d, buffer %d",
			binary.LittleEndian.Uint16(buf[1:3]), len(buf)-1)
	}

	p := &Packet{Flag: buf[3], Service: buf[4], Client: buf[5]}
	if !flagPermitted(p.Flag) {
		return nil, eris.Wrapf(ErrBadFlag, "got 0x%02x", p.Flag)
	}

	off := 6
	if p.Service == ServiceControl {
		if len(buf) < off+2 {
			return nil, eris.Wrap(ErrTruncated, "control transaction header")
		}
		p.Response = buf[off]&0x01 != 0
		p.Indication = buf[off]&0x02 != 0
		p.TransactionID = uint16(buf[off+1])
		off += 2
	} else {
		if len(buf) < off+3 {
			return nil, eris.Wrap(ErrTruncated, "service transaction header")
		}
		p.Compound = buf[off]&0x01 != 0
		p.Response = buf[off]&0x02 != 0
		p.Indication = buf[off]&0x04 != 0
		p.TransactionID = binary.LittleEndian.Uint16(buf[off+1 : off+3])
		off += 3
	}

	if len(buf) < off+4 {
		return nil, eris.Wrap(ErrTruncated, "message header")
	}
	p.MessageID = binary.LittleEndian.Uint16(buf[off : off+2])
	bodyLen := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
	off += 4

	if bodyLen != len(buf)-off {
		return nil, eris.Wrapf(ErrLengthMismatch, "message body declared %d, remaining %d", bodyLen, len(buf)-off)
	}

	for off < len(buf) {
		if len(buf) < off+3 {
			return nil, eris.Wrap(ErrTruncated, "tlv header")
		}
		t := buf[off]
		vlen := int(binary.LittleEndian.Uint16(buf[off+1 : off+3]))
		off += 3
		if len(buf) < off+vlen {
			return nil, eris.Wrapf(ErrTruncated, "tlv 0x%02x value wants %d bytes", t, vlen)
		}
		val := make([]byte, vlen)
		copy(val, buf[off:off+vlen])
		p.TLVs = append(p.TLVs, TLV{Type: t, Value: val})
		off += vlen
	}

	return p, nil
}

func flagPermitted(f byte) bool {
	for _, v := range permittedFlags {
		if f == v {
			return true
		}
	}
	return false
}
