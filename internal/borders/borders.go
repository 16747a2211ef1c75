// Package borders answers distance-to-country-border queries from a bundled
// admin-0 boundary shapefile.
package borders

import (
	"math"
	"strings"
	"sync"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// ErrUnknownCountry is returned when the dataset holds no polygons for the
// requested ISO code.
var ErrUnknownCountry = eris.New("borders: unknown country")

// isoFieldNames are the attribute names tried, in order, to find the ISO
// 3166-1 alpha-2 code of each shapefile record.
var isoFieldNames = []string{"iso_a2", "iso_a2_eh", "iso"}

// Dataset is the process-lifetime border polygon cache. Loading happens
// lazily on first query and the result is shared; queries are read-mostly so
// the cache is guarded by a read/write lock.
type Dataset struct {
	path string

	mu        sync.RWMutex
	countries map[string][]*geom.Polygon
	loaded    bool
	loadErr   error
}

// NewDataset creates a dataset backed by the shapefile at path. The file is
// not touched until the first query.
func NewDataset(path string) *Dataset {
	return &Dataset{path: path}
}

// DistanceToBorder returns the distance in meters from the given point to
// the nearest border segment of the named country.
func (d *Dataset) DistanceToBorder(iso string, lat, lon float64) (float64, error) {
	if err := d.ensureLoaded(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	polys := d.countries[strings.ToUpper(iso)]
	d.mu.RUnlock()
	if len(polys) == 0 {
		return 0, eris.Wrapf(ErrUnknownCountry, "%s", iso)
	}

	best := math.Inf(1)
	for _, poly := range polys {
		for r := 0; r < poly.NumLinearRings(); r++ {
			coords := poly.LinearRing(r).Coords()
			for i := 1; i < len(coords); i++ {
				dist := pointSegmentDistanceM(lat, lon,
					coords[i-1][1], coords[i-1][0],
					coords[i][1], coords[i][0])
				if dist < best {
					best = dist
				}
			}
		}
	}
	return best, nil
}

// Has reports whether the dataset carries polygons for the ISO code.
func (d *Dataset) Has(iso string) bool {
	if err := d.ensureLoaded(); err != nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.countries[strings.ToUpper(iso)]) > 0
}

func (d *Dataset) ensureLoaded() error {
	d.mu.RLock()
	loaded, loadErr := d.loaded, d.loadErr
	d.mu.RUnlock()
	if loaded {
		return loadErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return d.loadErr
	}
	d.countries, d.loadErr = loadShapefile(d.path)
	d.loaded = true
	if d.loadErr == nil {
		zap.L().Info("borders: loaded boundary dataset",
			zap.String("path", d.path),
			zap.Int("countries", len(d.countries)))
	}
	return d.loadErr
}

// loadShapefile reads country polygons keyed by their ISO attribute.
func loadShapefile(path string) (map[string][]*geom.Polygon, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "borders: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	isoIdx := -1
	for i, f := range fields {
		name := strings.ToLower(strings.TrimRight(f.String(), "\x00"))
		for _, candidate := range isoFieldNames {
			if name == candidate {
				isoIdx = i
				break
			}
		}
		if isoIdx >= 0 {
			break
		}
	}
	if isoIdx < 0 {
		return nil, eris.Errorf("borders: no ISO attribute field in %s", path)
	}

	countries := make(map[string][]*geom.Polygon)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		iso := strings.ToUpper(strings.TrimSpace(strings.TrimRight(reader.Attribute(isoIdx), "\x00")))
		if len(iso) != 2 {
			skipped++
			continue
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok || poly.NumParts == 0 || len(poly.Points) == 0 {
			skipped++
			continue
		}
		countries[iso] = append(countries[iso], shpPolygonParts(poly)...)
	}

	if skipped > 0 {
		zap.L().Debug("borders: skipped shapefile records", zap.Int("skipped", skipped))
	}
	return countries, nil
}

// shpPolygonParts converts each part of a shapefile polygon into a go-geom
// polygon with a single outer ring.
func shpPolygonParts(p *shp.Polygon) []*geom.Polygon {
	var polys []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		if len(flat) < 8 { // a closed ring needs at least 4 points
			continue
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("borders: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		polys = append(polys, poly)
	}
	return polys
}

// pointSegmentDistanceM is the distance from (lat, lon) to the segment
// between (lat1, lon1) and (lat2, lon2), in meters, using a local
// equirectangular projection centered on the query point. Accurate for the
// near-border distances the engine cares about.
func pointSegmentDistanceM(lat, lon, lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0
	rad := math.Pi / 180
	cosLat := math.Cos(lat * rad)

	x1 := (lon1 - lon) * cosLat * rad * r
	y1 := (lat1 - lat) * rad * r
	x2 := (lon2 - lon) * cosLat * rad * r
	y2 := (lat2 - lat) * rad * r

	dx, dy := x2-x1, y2-y1
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = -(x1*dx + y1*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}
	px, py := x1+t*dx, y1+t*dy
	return math.Hypot(px, py)
}
