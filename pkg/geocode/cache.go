package geocode

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
)

type cacheKey struct {
	lat float64
	lon float64
}

// Cache wraps a Reverser and memoizes country lookups by coordinate rounded
// to one decimal place (roughly an 11 km grid). Cell verification queries
// cluster tightly around the places a device actually goes, so this keeps
// external request volume small without meaningfully changing answers at
// country granularity.
type Cache struct {
	reverser Reverser

	mu      sync.RWMutex
	entries map[cacheKey]string
}

// NewCache wraps a Reverser with a coordinate-rounding memo.
func NewCache(reverser Reverser) *Cache {
	return &Cache{
		reverser: reverser,
		entries:  make(map[cacheKey]string),
	}
}

func roundCoord(v float64) float64 {
	return math.Round(v*10) / 10
}

// CountryCode resolves the coordinate's country, serving repeat lookups in
// the same grid square from memory. Errors are not cached.
func (c *Cache) CountryCode(ctx context.Context, lat, lon float64) (string, error) {
	key := cacheKey{lat: roundCoord(lat), lon: roundCoord(lon)}

	c.mu.RLock()
	country, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return country, nil
	}

	country, err := c.reverser.CountryCode(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = country
	c.mu.Unlock()

	zap.L().Debug("geocode cache fill",
		zap.Float64("lat", key.lat),
		zap.Float64("lon", key.lon),
		zap.String("country", country),
	)
	return country, nil
}

// Len reports the number of cached grid squares.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
