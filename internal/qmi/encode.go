package qmi

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
)

// Encode serialises the packet into QMux wire bytes, the exact inverse of
// Decode. Field overflows return ErrOverflow; the receiver is not mutated.
func (p *Packet) Encode() ([]byte, error) {
	if !flagPermitted(p.Flag) {
		return nil, eris.Wrapf(ErrBadFlag, "got 0x%02x", p.Flag)
	}
	if p.Service == ServiceControl && p.TransactionID > 0xFF {
		return nil, eris.Wrapf(ErrOverflow, "control transaction id %d", p.TransactionID)
	}

	bodyLen := 0
	for _, tlv := range p.TLVs {
		if len(tlv.Value) > 0xFFFF {
			return nil, eris.Wrapf(ErrOverflow, "tlv 0x%02x value %d bytes", tlv.Type, len(tlv.Value))
		}
		bodyLen += 3 + len(tlv.Value)
	}
	if bodyLen > 0xFFFF {
		return nil, eris.Wrapf(ErrOverflow, "message body %d bytes", bodyLen)
	}

	txLen := 3
	if p.Service == ServiceControl {
		txLen = 2
	}
	total := 6 + txLen + 4 + bodyLen
	if total-1 > 0xFFFF {
		return nil, eris.Wrapf(ErrOverflow, "packet %d bytes", total)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, Magic)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(total-1))
	buf = append(buf, p.Flag, p.Service, p.Client)

	if p.Service == ServiceControl {
		var f byte
		if p.Response {
			f |= 0x01
		}
		if p.Indication {
			f |= 0x02
		}
		buf = append(buf, f, byte(p.TransactionID))
	} else {
		var f byte
		if p.Compound {
			f |= 0x01
		}
		if p.Response {
			f |= 0x02
		}
		if p.Indication {
			f |= 0x04
		}
		buf = append(buf, f)
		buf = binary.LittleEndian.AppendUint16(buf, p.TransactionID)
	}

	buf = binary.LittleEndian.AppendUint16(buf, p.MessageID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(bodyLen))

	for _, tlv := range p.TLVs {
		buf = append(buf, tlv.Type)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tlv.Value)))
		buf = append(buf, tlv.Value...)
	}

	return buf, nil
}
