package verify

import (
	"context"

	"github.com/cellwatch/cellwatch/internal/model"
)

// noConnectionGuard filters out UMTS records whose cell id is the inactive
// sentinel: the radio had no link, so there is nothing to verify.
type noConnectionGuard struct {
	id int
}

func (s *noConnectionGuard) ID() int               { return s.id }
func (s *noConnectionGuard) Name() string          { return "no-connection guard" }
func (s *noConnectionGuard) MaxPoints() int        { return 0 }
func (s *noConnectionGuard) WaitsForPackets() bool { return false }

func (s *noConnectionGuard) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	if cell.Technology == model.TechUMTS && cell.Cell == model.UMTSInactiveCellID {
		return FinishEarly(), nil
	}
	return Success(), nil
}
