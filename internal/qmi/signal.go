package qmi

import "encoding/binary"

// NAS indication message ids carried in captured packet streams.
const (
	// MsgNetworkReject is the NAS network reject indication. Its presence
	// in a connection's packet window marks the cell as hostile.
	MsgNetworkReject uint16 = 0x0068

	// MsgSignalInfo is the NAS signal info indication carrying the
	// per-technology signal metric TLVs below.
	MsgSignalInfo uint16 = 0x0051
)

// Signal info TLV types and their fixed layouts.
const (
	tlvSignalGSM = 0x10 // 1 byte: rssi int8
	tlvSignalLTE = 0x14 // 6 bytes: rssi int8, rsrq int8, rsrp int16, snr int16 (dB x10)
	tlvSignalNR  = 0x17 // 4 bytes: rsrp int16, snr int16 (dB x10)
	tlvSignalNRQ = 0x18 // 2 bytes: rsrq int16
)

// IsNetworkReject reports whether the packet is an ingoing NAS network
// reject indication.
func IsNetworkReject(p *Packet) bool {
	return p.Service == ServiceNAS && p.Indication && p.MessageID == MsgNetworkReject
}

// SignalInfo holds the per-technology metrics of one signal info indication.
// Nil pointers mean the indication did not report that metric.
type SignalInfo struct {
	GSMRSSI *float64

	LTERSSI *float64
	LTERSRQ *float64
	LTERSRP *float64
	LTESNR  *float64 // dB x10

	NRRSRP *float64
	NRRSRQ *float64
	NRSNR  *float64 // dB x10
}

// ExtractSignalInfo reads the signal metric TLVs out of a decoded NAS signal
// info indication. Returns false when the packet is not such an indication.
// TLVs with unexpected sizes are ignored rather than failing the packet.
func ExtractSignalInfo(p *Packet) (*SignalInfo, bool) {
	if p.Service != ServiceNAS || !p.Indication || p.MessageID != MsgSignalInfo {
		return nil, false
	}

	info := &SignalInfo{}

	if tlv := p.TLV(tlvSignalGSM); tlv != nil && len(tlv.Value) >= 1 {
		info.GSMRSSI = f(float64(int8(tlv.Value[0])))
	}
	if tlv := p.TLV(tlvSignalLTE); tlv != nil && len(tlv.Value) >= 6 {
		info.LTERSSI = f(float64(int8(tlv.Value[0])))
		info.LTERSRQ = f(float64(int8(tlv.Value[1])))
		info.LTERSRP = f(float64(int16(binary.LittleEndian.Uint16(tlv.Value[2:4]))))
		info.LTESNR = f(float64(int16(binary.LittleEndian.Uint16(tlv.Value[4:6]))))
	}
	if tlv := p.TLV(tlvSignalNR); tlv != nil && len(tlv.Value) >= 4 {
		info.NRRSRP = f(float64(int16(binary.LittleEndian.Uint16(tlv.Value[0:2]))))
		info.NRSNR = f(float64(int16(binary.LittleEndian.Uint16(tlv.Value[2:4]))))
	}
	if tlv := p.TLV(tlvSignalNRQ); tlv != nil && len(tlv.Value) >= 2 {
		info.NRRSRQ = f(float64(int16(binary.LittleEndian.Uint16(tlv.Value[0:2]))))
	}

	return info, true
}

func f(v float64) *float64 { return &v }
