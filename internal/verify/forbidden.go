package verify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

// Countries that have decommissioned their 3G networks. A genuine UMTS
// connection cannot originate there; an IMSI catcher downgrading its
// victims can.
var forbidden3GCountries = map[string]bool{
	"CY": true, "CZ": true, "DE": true, "GR": true, "HU": true,
	"IT": true, "LU": true, "MT": true, "NL": true, "NO": true,
	"SK": true, "US": true,
}

// Countries without remaining 2G service, same reasoning for GSM.
var forbidden2GCountries = map[string]bool{
	"AE": true, "AU": true, "CH": true, "CN": true, "JP": true,
	"KR": true, "SG": true, "TW": true, "US": true,
}

// forbiddenCountryStage fails connections using a radio technology that no
// longer exists where the user actually is.
type forbiddenCountryStage struct {
	id        int
	name      string
	maxPoints int
	tech      model.Technology
	forbidden map[string]bool
	store     store.Store
	geocoder  geocode.Reverser

	// finishEarlyWithoutLocation makes a missing user location end the
	// pipeline as not-applicable instead of passing the stage.
	finishEarlyWithoutLocation bool
}

func (s *forbiddenCountryStage) ID() int               { return s.id }
func (s *forbiddenCountryStage) Name() string          { return s.name }
func (s *forbiddenCountryStage) MaxPoints() int        { return s.maxPoints }
func (s *forbiddenCountryStage) WaitsForPackets() bool { return false }

func (s *forbiddenCountryStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	if cell.Technology != s.tech {
		return Success(), nil
	}

	loc, err := s.store.UserLocationNear(ctx, cell.CollectedAt, locationWindow)
	if err != nil {
		return Outcome{}, err
	}
	if loc == nil {
		if s.finishEarlyWithoutLocation {
			return FinishEarly(), nil
		}
		return Success(), nil
	}

	country, err := s.geocoder.CountryCode(ctx, loc.Latitude, loc.Longitude)
	if eris.Is(err, geocode.ErrNoCountry) {
		return Success(), nil
	}
	if err != nil {
		zap.L().Warn("verify: reverse geocode failed",
			zap.String("connection", connectionID), zap.Error(err))
		return Delay(remoteFailureDelay), nil
	}

	if s.forbidden[country] {
		return Fail(), nil
	}
	return Success(), nil
}

// newForbidden3GStage flags UMTS connections in 3G-free countries. For a
// UMTS cell no location means no further geofencing evidence will arrive,
// so the pipeline ends early.
func newForbidden3GStage(id, maxPoints int, st store.Store, geocoder geocode.Reverser) Stage {
	return &forbiddenCountryStage{
		id:                         id,
		name:                       "forbidden 3G country check",
		maxPoints:                  maxPoints,
		tech:                       model.TechUMTS,
		forbidden:                  forbidden3GCountries,
		store:                      st,
		geocoder:                   geocoder,
		finishEarlyWithoutLocation: true,
	}
}

func newForbidden2GStage(id, maxPoints int, st store.Store, geocoder geocode.Reverser) Stage {
	return &forbiddenCountryStage{
		id:        id,
		name:      "forbidden 2G country check",
		maxPoints: maxPoints,
		tech:      model.TechGSM,
		forbidden: forbidden2GCountries,
		store:     st,
		geocoder:  geocoder,
	}
}
