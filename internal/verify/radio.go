package verify

import (
	"context"
	"math"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/store"
)

// frequencyStage compares the observed LTE frequency and physical cell id
// against the reference cell. Mismatches are scored as deductions rather
// than hard failures; frequencies legitimately change between surveys.
type frequencyStage struct {
	id        int
	maxPoints int
	store     store.Store
}

const (
	frequencyMismatchPenalty    = 6
	physicalCellMismatchPenalty = 2
)

func (s *frequencyStage) ID() int               { return s.id }
func (s *frequencyStage) Name() string          { return "frequency check" }
func (s *frequencyStage) MaxPoints() int        { return s.maxPoints }
func (s *frequencyStage) WaitsForPackets() bool { return false }

func (s *frequencyStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	if cell.Technology != model.TechLTE {
		return Success(), nil
	}

	ref, err := s.store.ReferenceCell(ctx, cell.Technology, cell.Country, cell.Network, cell.Area, cell.Cell)
	if err != nil {
		return Outcome{}, err
	}
	if ref == nil {
		return Success(), nil
	}

	comparable := false
	points := s.maxPoints
	if cell.Frequency != 0 && ref.Frequency != 0 {
		comparable = true
		if cell.Frequency != ref.Frequency {
			points -= frequencyMismatchPenalty
		}
	}
	if cell.PhysicalCell != 0 && ref.PhysicalCell != 0 {
		comparable = true
		if cell.PhysicalCell != ref.PhysicalCell {
			points -= physicalCellMismatchPenalty
		}
	}
	if !comparable {
		return Success(), nil
	}
	return Partial(max(points, 0), referenceRef(*ref)), nil
}

// bandwidthStage rewards wide LTE channels. Rogue base stations typically
// run narrow software-defined radios; a full-width carrier is weak evidence
// of legitimate infrastructure.
type bandwidthStage struct {
	id        int
	maxPoints int
}

func (s *bandwidthStage) ID() int               { return s.id }
func (s *bandwidthStage) Name() string          { return "bandwidth check" }
func (s *bandwidthStage) MaxPoints() int        { return s.maxPoints }
func (s *bandwidthStage) WaitsForPackets() bool { return false }

func (s *bandwidthStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	if cell.Technology != model.TechLTE || cell.Bandwidth == 0 {
		return Success(), nil
	}
	ratio := math.Min(math.Max(float64(cell.Bandwidth)/100, 0), 1)
	return Partial(int(math.Floor(float64(s.maxPoints) * ratio))), nil
}
