package ari

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
)

// Encode serialises the packet, the bit-exact inverse of Decode. Every field
// is range-checked against its bit width; violations return ErrOverflow.
func (p *Packet) Encode() ([]byte, error) {
	bodyLen := 0
	for _, tlv := range p.TLVs {
		if len(tlv.Data) > MaxTLVData {
			return nil, eris.Wrapf(ErrOverflow, "tlv 0x%03x data %d bytes", tlv.Type, len(tlv.Data))
		}
		bodyLen += 4 + len(tlv.Data)
	}

	var word uint64
	var err error
	for _, field := range []struct {
		off, width uint
		val        uint64
	}{
		{groupOff, groupWidth, uint64(p.Group)},
		{seqOff, seqWidth, uint64(p.Sequence)},
		{lengthOff, lengthWidth, uint64(bodyLen)},
		{typeOff, typeWidth, uint64(p.Type)},
		{txOff, txWidth, uint64(p.TransactionID)},
		{ackOff, ackWidth, boolBit(p.Acknowledgement)},
	} {
		if word, err = writeBits(word, field.off, field.width, field.val); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, HeaderSize+bodyLen)
	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = binary.LittleEndian.AppendUint64(buf, word)

	for _, tlv := range p.TLVs {
		var hdr uint64
		for _, field := range []struct {
			off, width uint
			val        uint64
		}{
			{tlvTypeOff, tlvTypeWidth, uint64(tlv.Type)},
			{tlvVersionOff, tlvVersionWidth, uint64(tlv.Version)},
			{tlvLengthOff, tlvLengthWidth, uint64(len(tlv.Data))},
		} {
			if hdr, err = writeBits(hdr, field.off, field.width, field.val); err != nil {
				return nil, err
			}
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(hdr))
		buf = append(buf, tlv.Data...)
	}

	return buf, nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
