package model

import "time"

// PacketProto identifies the baseband protocol of a captured packet.
type PacketProto string

const (
	ProtoQMI PacketProto = "qmi"
	ProtoARI PacketProto = "ari"
)

// PacketDirection is the direction of a packet relative to the baseband.
type PacketDirection string

const (
	DirIngoing  PacketDirection = "in"
	DirOutgoing PacketDirection = "out"
)

// CollectionMode distinguishes live capture from offline analysis. Packet
// gated stages only wait for capture to catch up in live mode.
type CollectionMode string

const (
	ModeLive     CollectionMode = "live"
	ModeAnalysis CollectionMode = "analysis"
)

// Packet is one captured baseband diagnostic packet.
type Packet struct {
	ID          string          `json:"id"`
	Proto       PacketProto     `json:"proto"`
	Direction   PacketDirection `json:"direction"`
	CollectedAt time.Time       `json:"collected_at"`
	Data        []byte          `json:"data"`
}

// Ref returns the related-record reference for the packet.
func (p Packet) Ref() RecordRef {
	return RecordRef{Kind: "packet", ID: p.ID}
}
