package ari

import "encoding/binary"

// Message identities used by the verification stages. Groups partition the
// ARI message space by baseband subsystem; types identify the indication
// within a group.
const (
	// GroupNet carries network registration telemetry.
	GroupNet uint8 = 7
	// GroupCellInfo carries serving-cell measurement telemetry.
	GroupCellInfo uint8 = 9

	// TypeRegistrationInfo is the registration state change indication.
	TypeRegistrationInfo uint16 = 0x0183
	// TypeSignalQuality is the serving-cell signal quality indication.
	TypeSignalQuality uint16 = 0x02C6
)

// Registration indication TLV types.
const (
	tlvRegStatus      = 2 // uint32 registration status
	tlvRegRejectCause = 4 // uint32 reject cause
)

// Registration status values.
const (
	// RegStatusLimitedService means the baseband camps on the cell for
	// emergency service only, typically after a rejected attach.
	RegStatusLimitedService uint32 = 2
)

// Reject causes that point at a hostile cell when paired with limited
// service: the network forbade the home PLMN, or the baseband gave up with
// an internal failure.
const (
	RejectCausePLMNForbidden   uint32 = 11
	RejectCauseInternalFailure uint32 = 17
)

// Signal quality indication TLV types and scale maxima.
const (
	tlvSignalStrength = 1 // uint32, 0..signalStrengthMax
	tlvSignalQuality  = 2 // uint32, 0..signalQualityMax

	signalStrengthMax = 63
	signalQualityMax  = 31
)

// RegistrationInfo is the decoded content of a registration indication.
type RegistrationInfo struct {
	Status      uint32
	RejectCause uint32
}

// LimitedServiceReject reports whether the indication signals limited
// service together with one of the hostile reject causes.
func (r RegistrationInfo) LimitedServiceReject() bool {
	return r.Status == RegStatusLimitedService &&
		(r.RejectCause == RejectCausePLMNForbidden || r.RejectCause == RejectCauseInternalFailure)
}

// ExtractRegistrationInfo reads status and reject cause out of a decoded
// registration indication. Returns false when the packet is not one, or its
// TLVs are malformed.
func ExtractRegistrationInfo(p *Packet) (*RegistrationInfo, bool) {
	if p.Group != GroupNet || p.Type != TypeRegistrationInfo {
		return nil, false
	}

	status := p.TLV(tlvRegStatus)
	if status == nil || len(status.Data) < 4 {
		return nil, false
	}

	info := &RegistrationInfo{Status: binary.LittleEndian.Uint32(status.Data[0:4])}
	if cause := p.TLV(tlvRegRejectCause); cause != nil && len(cause.Data) >= 4 {
		info.RejectCause = binary.LittleEndian.Uint32(cause.Data[0:4])
	}
	return info, true
}

// SignalQuality is a normalized strength/quality ratio pair in [0, 1].
type SignalQuality struct {
	Strength float64
	Quality  float64
}

// ExtractSignalQuality reads the serving-cell signal quality indication and
// normalizes both values by their scale maxima. Returns false when the
// packet is not such an indication or its TLVs are malformed.
func ExtractSignalQuality(p *Packet) (*SignalQuality, bool) {
	if p.Group != GroupCellInfo || p.Type != TypeSignalQuality {
		return nil, false
	}

	strength := p.TLV(tlvSignalStrength)
	quality := p.TLV(tlvSignalQuality)
	if strength == nil || quality == nil || len(strength.Data) < 4 || len(quality.Data) < 4 {
		return nil, false
	}

	sq := &SignalQuality{
		Strength: float64(binary.LittleEndian.Uint32(strength.Data[0:4])) / signalStrengthMax,
		Quality:  float64(binary.LittleEndian.Uint32(quality.Data[0:4])) / signalQualityMax,
	}
	if sq.Strength > 1 {
		sq.Strength = 1
	}
	if sq.Quality > 1 {
		sq.Quality = 1
	}
	return sq, true
}
