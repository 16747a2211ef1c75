// Package model holds the domain types shared across the verification engine.
package model

import "time"

// Technology identifies the radio access technology of a connection.
type Technology string

const (
	TechGSM   Technology = "GSM"
	TechUMTS  Technology = "UMTS"
	TechCDMA  Technology = "CDMA"
	TechSCDMA Technology = "SCDMA"
	TechLTE   Technology = "LTE"
	TechNR    Technology = "NR"
)

// UMTSInactiveCellID is the sentinel cell identifier reported by the baseband
// when a UMTS connection has no active radio link.
const UMTSInactiveCellID int64 = 0xFFFFFFFF

// QueryCell is a read-only snapshot of one observed cellular connection,
// produced by the store from a stored connection record.
type QueryCell struct {
	ConnectionID string         `json:"connection_id"`
	Technology   Technology     `json:"technology"`
	Country      int32          `json:"country"` // MCC
	Network      int32          `json:"network"` // MNC
	Area         int32          `json:"area"`
	Cell         int64          `json:"cell"`
	Frequency    int32          `json:"frequency,omitempty"`
	PhysicalCell int32          `json:"physical_cell,omitempty"`
	Bandwidth    int32          `json:"bandwidth,omitempty"`
	CollectedAt  time.Time      `json:"collected_at"`
	Location     *QueryLocation `json:"location,omitempty"`
}

// QueryLocation is a user location observation associated with a connection.
type QueryLocation struct {
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"`
	Reach              float64   `json:"reach,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	Speed              float64   `json:"speed,omitempty"`
	Background         bool      `json:"background,omitempty"`
	CollectedAt        time.Time `json:"collected_at"`
}

// ALSCell is a reference cell obtained from a location-service provider,
// used as ground truth for the technical verification pipeline.
type ALSCell struct {
	Technology   Technology     `json:"technology"`
	Country      int32          `json:"country"`
	Network      int32          `json:"network"`
	Area         int32          `json:"area"`
	Cell         int64          `json:"cell"`
	Frequency    int32          `json:"frequency,omitempty"`
	PhysicalCell int32          `json:"physical_cell,omitempty"`
	Location     *QueryLocation `json:"location,omitempty"`
	ImportedAt   time.Time      `json:"imported_at,omitempty"`
}

// Precise reports whether the reference cell carries a usable, exact cell
// identifier. Location services pad their responses with nearby cells that
// only identify an area; those must not be used as ground truth.
func (c ALSCell) Precise() bool {
	return c.Cell > 0 && c.Cell != UMTSInactiveCellID
}
