package verify

import (
	"context"
	"math"
	"time"

	"github.com/cellwatch/cellwatch/internal/geodesy"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/store"
)

// locationWindow is how far from the connection's observation time a user
// location may be recorded and still count as concurrent.
const locationWindow = 5 * time.Minute

// distanceStage scores how plausibly the reference cell's surveyed position
// matches where the user actually was.
type distanceStage struct {
	id        int
	maxPoints int
	store     store.Store
}

func (s *distanceStage) ID() int               { return s.id }
func (s *distanceStage) Name() string          { return "distance check" }
func (s *distanceStage) MaxPoints() int        { return s.maxPoints }
func (s *distanceStage) WaitsForPackets() bool { return false }

func (s *distanceStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	ref, err := s.store.ReferenceCell(ctx, cell.Technology, cell.Country, cell.Network, cell.Area, cell.Cell)
	if err != nil {
		return Outcome{}, err
	}
	if ref == nil {
		// Nothing to check against; the lookup stage already scored the miss.
		return Success(), nil
	}

	loc, err := s.store.UserLocationNear(ctx, cell.CollectedAt, locationWindow)
	if err != nil {
		return Outcome{}, err
	}
	if loc == nil {
		if time.Since(cell.CollectedAt) > locationWindow {
			// Too old for a location to still arrive.
			return Success(), nil
		}
		return Delay(30 * time.Second), nil
	}

	if ref.Location == nil {
		return Delay(60 * time.Second), nil
	}

	d := geodesy.Distance(loc.Latitude, loc.Longitude, ref.Location.Latitude, ref.Location.Longitude)
	score := geodesy.Score(d, loc.HorizontalAccuracy, ref.Location.HorizontalAccuracy, loc.Speed)
	points := int(math.Round(float64(s.maxPoints) * (1 - score)))
	return Partial(points, referenceRef(*ref)), nil
}
