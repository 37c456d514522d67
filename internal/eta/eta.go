package eta

import (
	"context"
	"math"

	"github.com/example/campus-transit/internal/models"
)

// DefaultSpeedKmh is the average bus speed assumed when none is configured.
const DefaultSpeedKmh = 20.0

// Estimator turns a captain-to-stop leg into minutes until arrival.
type Estimator interface {
	EstimateMinutes(ctx context.Context, from, to models.Coord, distanceKm float64) (int, error)
}

// Client is a road-network ETA source such as OSRM.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// EstimatedMinutes converts a straight-line distance to minutes at speedKmh.
// Short legs are scaled down (0.6x under 1km, 0.8x under 3km) and a buffer
// of min(3, d*0.5) minutes models stops and traffic. Partial minutes round up.
func EstimatedMinutes(distanceKm, speedKmh float64) int {
	if distanceKm <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	base := distanceKm / speedKmh * 60
	factor := 1.0
	switch {
	case distanceKm < 1:
		factor = 0.6
	case distanceKm < 3:
		factor = 0.8
	}
	buffer := math.Min(3, distanceKm*0.5)
	return int(math.Ceil(base*factor + buffer))
}

// FormulaEstimator applies EstimatedMinutes with a fixed average speed.
type FormulaEstimator struct {
	SpeedKmh float64
}

func (f FormulaEstimator) EstimateMinutes(_ context.Context, _, _ models.Coord, distanceKm float64) (int, error) {
	return EstimatedMinutes(distanceKm, f.SpeedKmh), nil
}

// CachedEstimator asks a road-network client first and falls back to the
// formula when the client fails.
type CachedEstimator struct {
	Client   Client
	Cache    *Cache
	Fallback FormulaEstimator
}

func (c *CachedEstimator) EstimateMinutes(ctx context.Context, from, to models.Coord, distanceKm float64) (int, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return minutes(v), nil
		}
	}
	if c.Client != nil {
		if v, err := c.Client.EstimateSeconds(ctx, from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return minutes(v), nil
		}
	}
	return c.Fallback.EstimateMinutes(ctx, from, to, distanceKm)
}

func minutes(seconds float64) int { return int(math.Ceil(seconds / 60)) }
