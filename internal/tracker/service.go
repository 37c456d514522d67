// Package tracker is the entry point for captain location updates: it keeps
// the live position, republishes it and schedules geofence evaluation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

const EventLocationUpdate = "location_update"

var (
	ErrInvalidLocation = errors.New("tracker: invalid location update")
	ErrUnknownCaptain  = errors.New("tracker: unknown captain")
)

type CaptainLookup interface {
	Captain(ctx context.Context, id int64) (models.Captain, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, loc models.CaptainLocation) (notify.Result, error)
}

type Options struct {
	Workers   int
	QueueSize int
	// EvalTimeout bounds a single geofence evaluation.
	EvalTimeout time.Duration
}

// Service owns the evaluation worker pool. Before Start, or after Stop,
// evaluations run inline on the caller's goroutine.
type Service struct {
	captains  CaptainLookup
	locations *location.Store
	bus       eventbus.Bus
	evaluator Evaluator
	validate  *validator.Validate
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	queue   chan models.CaptainLocation
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(captains CaptainLookup, locations *location.Store, bus eventbus.Bus, evaluator Evaluator, opts Options, logger *slog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 5 * time.Second
	}
	return &Service{
		captains:  captains,
		locations: locations,
		bus:       bus,
		evaluator: evaluator,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan models.CaptainLocation, s.opts.QueueSize)
	s.running = true
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, s.queue)
	}
}

// Stop drains queued evaluations and waits for the workers to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

func (s *Service) worker(ctx context.Context, queue <-chan models.CaptainLocation) {
	defer s.wg.Done()
	for loc := range queue {
		s.evaluate(ctx, loc)
	}
}

func (s *Service) evaluate(ctx context.Context, loc models.CaptainLocation) {
	if s.evaluator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.EvalTimeout)
	defer cancel()
	res, err := s.evaluator.Evaluate(ctx, loc)
	if err != nil {
		// abandoned; the next tick re-evaluates from fresh state
		s.logger.Warn("geofence evaluation failed", "captain_id", loc.CaptainID, "route", loc.RouteName, "error", err)
		return
	}
	if res.Dispatched > 0 || res.Failed > 0 {
		s.logger.Debug("geofence evaluated", "captain_id", loc.CaptainID, "pairs", res.Pairs, "dispatched", res.Dispatched, "failed", res.Failed)
	}
}

// HandleLocation records a captain's reported position. Stale updates (older
// than the held position) are acknowledged but not republished.
func (s *Service) HandleLocation(ctx context.Context, msg models.LocationUpdate) (models.CaptainLocation, error) {
	if err := s.validate.Struct(msg); err != nil {
		return models.CaptainLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	at, err := msg.CapturedAt(s.now())
	if err != nil {
		return models.CaptainLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	captain, err := s.captains.Captain(ctx, msg.CaptainID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.CaptainLocation{}, fmt.Errorf("%w: %d", ErrUnknownCaptain, msg.CaptainID)
	}
	if err != nil {
		return models.CaptainLocation{}, fmt.Errorf("load captain %d: %w", msg.CaptainID, err)
	}

	loc := models.CaptainLocation{
		CaptainID:  captain.ID,
		RouteName:  captain.RouteName,
		Latitude:   msg.Latitude,
		Longitude:  msg.Longitude,
		CapturedAt: at,
	}
	if !s.locations.Update(ctx, loc) {
		return loc, nil
	}
	observability.LocationsReceived.Inc()

	for _, topic := range []string{eventbus.RouteLocations(loc.RouteName), eventbus.Captain(loc.CaptainID), eventbus.AdminDashboard} {
		if err := s.bus.Publish(ctx, topic, EventLocationUpdate, loc); err != nil {
			s.logger.Warn("publish location failed", "topic", topic, "error", err)
		}
	}

	// positions outside a ride are tracked but never alert students
	if captain.RideActive {
		s.schedule(ctx, loc)
	}
	return loc, nil
}

func (s *Service) schedule(ctx context.Context, loc models.CaptainLocation) {
	s.mu.Lock()
	if s.running {
		select {
		case s.queue <- loc:
		default:
			observability.EvaluationsDropped.Inc()
			s.logger.Warn("evaluation queue full, dropping update", "captain_id", loc.CaptainID)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.evaluate(context.WithoutCancel(ctx), loc)
}

// Location returns the live position of a captain, if any.
func (s *Service) Location(ctx context.Context, captainID int64) (models.CaptainLocation, bool) {
	return s.locations.Get(ctx, captainID)
}

// RouteLocations snapshots the live captains on a route.
func (s *Service) RouteLocations(ctx context.Context, routeName string) []models.CaptainLocation {
	return s.locations.ByRoute(ctx, routeName)
}
