// Package arrivals ranks the live buses heading to a stop so a student can
// see which one arrives first.
package arrivals

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrStopNotFound = errors.New("stop not found")
	// ErrStopUnpositioned means the stop has no coordinates yet; one is
	// assigned the first time a bus on its route reports in.
	ErrStopUnpositioned = errors.New("stop has no known position")
)

type Store interface {
	Stop(ctx context.Context, id int64) (models.Stop, error)
	Captain(ctx context.Context, id int64) (models.Captain, error)
}

type LiveLocations interface {
	ByRoute(ctx context.Context, routeName string) []models.CaptainLocation
}

// Arrival is one bus on its way to a stop.
type Arrival struct {
	CaptainID   int64        `json:"captainId"`
	CaptainName string       `json:"captainName"`
	BusNumber   string       `json:"busNumber"`
	DistanceKm  float64      `json:"distanceKm"`
	EtaMinutes  int          `json:"etaMinutes"`
	Location    models.Coord `json:"location"`
}

type Board struct {
	store     Store
	locations LiveLocations
	est       eta.Estimator
	// Limit caps the number of arrivals returned; zero means no cap.
	Limit int
}

func NewBoard(store Store, locations LiveLocations, est eta.Estimator) *Board {
	if est == nil {
		est = eta.FormulaEstimator{SpeedKmh: 20}
	}
	return &Board{store: store, locations: locations, est: est, Limit: 5}
}

// ForStop returns the buses on the stop's route ordered by ETA, then
// distance, then captain id.
func (b *Board) ForStop(ctx context.Context, stopID int64) (models.Stop, []Arrival, error) {
	stop, err := b.store.Stop(ctx, stopID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Stop{}, nil, ErrStopNotFound
	}
	if err != nil {
		return models.Stop{}, nil, fmt.Errorf("load stop: %w", err)
	}
	if stop.Position == nil {
		return stop, nil, ErrStopUnpositioned
	}

	cands := b.locations.ByRoute(ctx, stop.RouteName)
	out := make([]Arrival, 0, len(cands))
	for _, loc := range cands {
		from := loc.Coord()
		d := geo.Distance(from, *stop.Position)
		mins, err := b.est.EstimateMinutes(ctx, from, *stop.Position, d)
		if err != nil {
			mins = eta.EstimatedMinutes(d, 20)
		}
		a := Arrival{CaptainID: loc.CaptainID, DistanceKm: d, EtaMinutes: mins, Location: from}
		// a captain missing from the store still shows up, without labels
		if c, err := b.store.Captain(ctx, loc.CaptainID); err == nil {
			a.CaptainName = c.Name
			a.BusNumber = c.BusNumber
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EtaMinutes != out[j].EtaMinutes {
			return out[i].EtaMinutes < out[j].EtaMinutes
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].CaptainID < out[j].CaptainID
	})
	if b.Limit > 0 && len(out) > b.Limit {
		out = out[:b.Limit]
	}
	return stop, out, nil
}
