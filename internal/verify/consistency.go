package verify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

// operatorCountry resolves the country the connection claims to be in,
// either from the MCC alone or from the full (MCC, MNC) operator pair.
type operatorCountry func(reg *operators.Registry, cell model.QueryCell) (string, bool)

// consistencyStage compares the country the connection claims against the
// country the user's position geocodes to. A tower broadcasting a foreign
// network where none should be reachable is lying about its identity.
type consistencyStage struct {
	id        int
	name      string
	maxPoints int
	store     store.Store
	geocoder  geocode.Reverser
	registry  *operators.Registry
	claimed   operatorCountry
}

func (s *consistencyStage) ID() int               { return s.id }
func (s *consistencyStage) Name() string          { return s.name }
func (s *consistencyStage) MaxPoints() int        { return s.maxPoints }
func (s *consistencyStage) WaitsForPackets() bool { return false }

func (s *consistencyStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	claimed, ok := s.claimed(s.registry, cell)
	if !ok {
		// Unknown operator; nothing to compare.
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

	if claimed != geocoded {
		return Fail(), nil
	}
	return Success(), nil
}

func newMCCConsistencyStage(id, maxPoints int, st store.Store, geocoder geocode.Reverser, reg *operators.Registry) Stage {
	return &consistencyStage{
		id:        id,
		name:      "MCC country consistency",
		maxPoints: maxPoints,
		store:     st,
		geocoder:  geocoder,
		registry:  reg,
		claimed: func(reg *operators.Registry, cell model.QueryCell) (string, bool) {
			return reg.CountryForMCC(cell.Country)
		},
	}
}

func newMNCConsistencyStage(id, maxPoints int, st store.Store, geocoder geocode.Reverser, reg *operators.Registry) Stage {
	return &consistencyStage{
		id:        id,
		name:      "MNC operator consistency",
		maxPoints: maxPoints,
		store:     st,
		geocoder:  geocoder,
		registry:  reg,
		claimed: func(reg *operators.Registry, cell model.QueryCell) (string, bool) {
			return reg.CountryForOperator(cell.Country, cell.Network)
		},
	}
}
