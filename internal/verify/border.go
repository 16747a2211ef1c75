package verify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/borders"
	"github.com/cellwatch/cellwatch/internal/geodesy"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

// borderStage distinguishes hostile country mismatches from benign border
// roaming. Near a border a phone legitimately camps on the neighbor's
// towers; the mismatch is only damning when the claimed country's border
// is farther away than the tower itself.
type borderStage struct {
	id        int
	maxPoints int
	store     store.Store
	geocoder  geocode.Reverser
	registry  *operators.Registry
	dataset   *borders.Dataset
}

func (s *borderStage) ID() int               { return s.id }
func (s *borderStage) Name() string          { return "border proximity check" }
func (s *borderStage) MaxPoints() int        { return s.maxPoints }
func (s *borderStage) WaitsForPackets() bool { return false }

func (s *borderStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	claimed, ok := s.registry.CountryForOperator(cell.Country, cell.Network)
	if !ok {
		return Success(), nil
	}

	loc, err := s.store.UserLocationNear(ctx, cell.CollectedAt, locationWindow)
	if err != nil {
		return Outcome{}, err
	}
	if loc == nil {
		return Success(), nil
	}

	geocoded, err := s.geocoder.CountryCode(ctx, loc.Latitude, loc.Longitude)
	if eris.Is(err, geocode.ErrNoCountry) {
		return Success(), nil
	}
	if err != nil {
		zap.L().Warn("verify: reverse geocode failed",
			zap.String("connection", connectionID), zap.Error(err))
		return Delay(remoteFailureDelay), nil
	}
	if claimed == geocoded {
		return Success(), nil
	}

	ref, err := s.store.ReferenceCell(ctx, cell.Technology, cell.Country, cell.Network, cell.Area, cell.Cell)
	if err != nil {
		return Outcome{}, err
	}
	if ref == nil || ref.Location == nil {
		// Without a surveyed tower position the mismatch cannot be judged.
		return Success(), nil
	}
	cellDistance := geodesy.Distance(loc.Latitude, loc.Longitude, ref.Location.Latitude, ref.Location.Longitude)

	borderDistance, err := s.dataset.DistanceToBorder(claimed, loc.Latitude, loc.Longitude)
	if eris.Is(err, borders.ErrUnknownCountry) {
		return Success(), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if cellDistance >= borderDistance {
		// The tower can plausibly sit just across the nearby border.
		return Success(), nil
	}
	return Fail(), nil
}
