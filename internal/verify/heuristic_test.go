package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellwatch/cellwatch/internal/borders"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

func umtsCell(connectionID string) model.QueryCell {
	c := lteCell(connectionID)
	c.Technology = model.TechUMTS
	c.Frequency = 0
	c.PhysicalCell = 0
	return c
}

func insertLocation(t *testing.T, st store.Store, lat, lon float64, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertLocation(context.Background(), model.QueryLocation{
		Latitude: lat, Longitude: lon, HorizontalAccuracy: 10, CollectedAt: at,
	}))
}

func newTestRegistry(t *testing.T) *operators.Registry {
	t.Helper()
	reg, err := operators.NewRegistry()
	require.NoError(t, err)
	return reg
}

// --- Forbidden 3G country check ---

func TestForbidden3G(t *testing.T) {
	tests := []struct {
		name     string
		country  string
		geoErr   error
		wantKind OutcomeKind
	}{
		{"decommissioned_country", "DE", nil, OutcomeFail},
		{"active_country", "FR", nil, OutcomeSuccess},
		{"unresolvable_position", "", errNoCountryForTest(), OutcomeSuccess},
		{"geocoder_outage", "", eris.New("upstream down"), OutcomeDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			cell := umtsCell("conn-1")
			insertLocation(t, st, 52.52, 13.4, cell.CollectedAt)

			s := newForbidden3GStage(2, 30, st, &fakeGeocoder{country: tt.country, err: tt.geoErr})
			out, err := s.Verify(context.Background(), cell, "conn-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, out.Kind)
		})
	}
}

func TestForbidden3G_NoLocationFinishesEarly(t *testing.T) {
	st := newTestStore(t)
	s := newForbidden3GStage(2, 30, st, &fakeGeocoder{country: "DE"})

	out, err := s.Verify(context.Background(), umtsCell("conn-1"), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinishEarly, out.Kind)
}

func TestForbidden3G_OtherTechnologyPasses(t *testing.T) {
	st := newTestStore(t)
	s := newForbidden3GStage(2, 30, st, &fakeGeocoder{country: "DE"})

	out, err := s.Verify(context.Background(), lteCell("conn-1"), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

// --- Forbidden 2G country check ---

func TestForbidden2G(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	cell.Technology = model.TechGSM
	insertLocation(t, st, 40.7, -74.0, cell.CollectedAt)

	s := newForbidden2GStage(3, 30, st, &fakeGeocoder{country: "US"})
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, out.Kind)
}

func TestForbidden2G_NoLocationPasses(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	cell.Technology = model.TechGSM

	// Unlike 3G, a missing location only skips the check.
	s := newForbidden2GStage(3, 30, st, &fakeGeocoder{country: "US"})
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

// --- Country consistency checks ---

func TestMCCConsistency(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name     string
		geocoded string
		wantKind OutcomeKind
	}{
		{"matching_country", "DE", OutcomeSuccess},
		{"mismatched_country", "FR", OutcomeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			cell := lteCell("conn-1") // MCC 262 is Germany
			insertLocation(t, st, 52.52, 13.4, cell.CollectedAt)

			s := newMCCConsistencyStage(4, 15, st, &fakeGeocoder{country: tt.geocoded}, reg)
			out, err := s.Verify(context.Background(), cell, "conn-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, out.Kind)
		})
	}
}

func TestMCCConsistency_UnknownMCCPasses(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	cell.Country = 999
	insertLocation(t, st, 52.52, 13.4, cell.CollectedAt)

	s := newMCCConsistencyStage(4, 15, st, &fakeGeocoder{country: "FR"}, newTestRegistry(t))
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestMCCConsistency_NoLocationPasses(t *testing.T) {
	st := newTestStore(t)

	s := newMCCConsistencyStage(4, 15, st, &fakeGeocoder{country: "FR"}, newTestRegistry(t))
	out, err := s.Verify(context.Background(), lteCell("conn-1"), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestMNCConsistency_Mismatch(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	insertLocation(t, st, 48.85, 2.35, cell.CollectedAt)

	s := newMNCConsistencyStage(5, 10, st, &fakeGeocoder{country: "FR"}, newTestRegistry(t))
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, out.Kind)
}

// --- Border proximity check ---

// writeCountrySquare writes a shapefile with one square country spanning
// ±0.1 degrees around the origin.
func writeCountrySquare(t *testing.T, iso string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "borders.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("ISO_A2", 10)}))

	poly := &shp.Polygon{
		Box:       shp.Box{MinX: -0.1, MinY: -0.1, MaxX: 0.1, MaxY: 0.1},
		NumParts:  1,
		NumPoints: 5,
		Parts:     []int32{0},
		Points: []shp.Point{
			{X: -0.1, Y: -0.1},
			{X: -0.1, Y: 0.1},
			{X: 0.1, Y: 0.1},
			{X: 0.1, Y: -0.1},
			{X: -0.1, Y: -0.1},
		},
	}
	w.Write(poly)
	w.WriteAttribute(0, 0, iso)
	w.Close()

	// The writer names the dbf "<base>dbf" while the reader expects
	// "<base>.dbf".
	base := path[:len(path)-len(".shp")]
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))

	return path
}

// borderEnv places the user at the origin inside a square "DE" and imports
// a reference cell at the given latitude offset.
func borderEnv(t *testing.T, refLat float64) (store.Store, model.QueryCell, *borders.Dataset) {
	t.Helper()
	st := newTestStore(t)
	cell := lteCell("conn-1") // operator 262/2 claims Germany
	insertLocation(t, st, 0, 0, cell.CollectedAt)
	_, err := st.ImportReferenceCells(context.Background(), []model.ALSCell{refFor(cell, refLat, 0)})
	require.NoError(t, err)
	return st, cell, borders.NewDataset(writeCountrySquare(t, "DE"))
}

func TestBorder_NearbyTowerAcrossMismatch(t *testing.T) {
	// Tower right next to the user, but the claimed border is 11 km away.
	// The tower cannot be across it.
	st, cell, ds := borderEnv(t, 0.001)

	s := &borderStage{id: 6, maxPoints: 15, store: st, geocoder: &fakeGeocoder{country: "FR"}, registry: newTestRegistry(t), dataset: ds}
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, out.Kind)
}

func TestBorder_DistantTowerIsRoaming(t *testing.T) {
	// Tower 33 km away, border 11 km away. Plausibly the neighbor's tower.
	st, cell, ds := borderEnv(t, 0.3)

	s := &borderStage{id: 6, maxPoints: 15, store: st, geocoder: &fakeGeocoder{country: "FR"}, registry: newTestRegistry(t), dataset: ds}
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestBorder_MatchingCountryPasses(t *testing.T) {
	st, cell, ds := borderEnv(t, 0.001)

	s := &borderStage{id: 6, maxPoints: 15, store: st, geocoder: &fakeGeocoder{country: "DE"}, registry: newTestRegistry(t), dataset: ds}
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestBorder_CountryMissingFromDatasetPasses(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	insertLocation(t, st, 0, 0, cell.CollectedAt)
	_, err := st.ImportReferenceCells(context.Background(), []model.ALSCell{refFor(cell, 0.001, 0)})
	require.NoError(t, err)
	ds := borders.NewDataset(writeCountrySquare(t, "XQ"))

	s := &borderStage{id: 6, maxPoints: 15, store: st, geocoder: &fakeGeocoder{country: "FR"}, registry: newTestRegistry(t), dataset: ds}
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestBorder_NoReferencePosition(t *testing.T) {
	st := newTestStore(t)
	cell := lteCell("conn-1")
	insertLocation(t, st, 0, 0, cell.CollectedAt)
	ds := borders.NewDataset(writeCountrySquare(t, "DE"))

	s := &borderStage{id: 6, maxPoints: 15, store: st, geocoder: &fakeGeocoder{country: "FR"}, registry: newTestRegistry(t), dataset: ds}
	out, err := s.Verify(context.Background(), cell, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

// errNoCountryForTest returns the sentinel the geocoder uses for positions
// over open water, wrapped the way the real client wraps it.
func errNoCountryForTest() error {
	return eris.Wrap(geocode.ErrNoCountry, "reverse geocode")
}
