package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/cache"
	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/storage"
)

type recordingEvaluator struct {
	mu   sync.Mutex
	seen []models.CaptainLocation
	done chan struct{}
}

func (r *recordingEvaluator) Evaluate(_ context.Context, loc models.CaptainLocation) (notify.Result, error) {
	r.mu.Lock()
	r.seen = append(r.seen, loc)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return notify.Result{}, nil
}

func (r *recordingEvaluator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func newService(t *testing.T, ev Evaluator) (*Service, *storage.MemoryStore, *eventbus.MemoryBus) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.AddCaptain(models.Captain{ID: 7, Name: "Imran", RouteName: "R1", RideActive: true})
	store.AddCaptain(models.Captain{ID: 8, Name: "Sana", RouteName: "R2"})
	bus := eventbus.NewMemoryBus(16)
	t.Cleanup(func() { _ = bus.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locs := location.NewStore(cache.NewMemory(), time.Minute, logger)
	return New(store, locs, bus, ev, Options{Workers: 2, QueueSize: 8}, logger), store, bus
}

func TestHandleLocationPublishesAndEvaluates(t *testing.T) {
	ev := &recordingEvaluator{}
	s, _, bus := newService(t, ev)
	sub, _ := bus.Subscribe(eventbus.RouteLocations("R1"))

	loc, err := s.HandleLocation(context.Background(), models.LocationUpdate{CaptainID: 7, Latitude: 33.6844, Longitude: 73.0479})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if loc.RouteName != "R1" {
		t.Fatalf("expected route resolved from captain, got %q", loc.RouteName)
	}
	select {
	case e := <-sub.C:
		if e.Type != EventLocationUpdate {
			t.Fatalf("unexpected event type %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no location event")
	}
	// not started: evaluation runs inline
	if ev.count() != 1 {
		t.Fatalf("expected one evaluation, got %d", ev.count())
	}
	if got, ok := s.Location(context.Background(), 7); !ok || got.Latitude != 33.6844 {
		t.Fatalf("location not stored: %+v ok=%v", got, ok)
	}
}

func TestHandleLocationInactiveRideSkipsEvaluation(t *testing.T) {
	ev := &recordingEvaluator{}
	s, _, _ := newService(t, ev)
	if _, err := s.HandleLocation(context.Background(), models.LocationUpdate{CaptainID: 8, Latitude: 1, Longitude: 1}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ev.count() != 0 {
		t.Fatalf("inactive ride should not be evaluated")
	}
	if len(s.RouteLocations(context.Background(), "R2")) != 1 {
		t.Fatalf("inactive captain should still be tracked")
	}
}

func TestHandleLocationRejects(t *testing.T) {
	s, _, _ := newService(t, &recordingEvaluator{})
	ctx := context.Background()
	if _, err := s.HandleLocation(ctx, models.LocationUpdate{CaptainID: 0}); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation for missing captain, got %v", err)
	}
	if _, err := s.HandleLocation(ctx, models.LocationUpdate{CaptainID: 7, Latitude: 91}); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation for latitude 91, got %v", err)
	}
	if _, err := s.HandleLocation(ctx, models.LocationUpdate{CaptainID: 7, Timestamp: "soon"}); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation for bad timestamp, got %v", err)
	}
	if _, err := s.HandleLocation(ctx, models.LocationUpdate{CaptainID: 99}); !errors.Is(err, ErrUnknownCaptain) {
		t.Fatalf("expected ErrUnknownCaptain, got %v", err)
	}
}

func TestStaleUpdateNotRepublished(t *testing.T) {
	ev := &recordingEvaluator{}
	s, _, bus := newService(t, ev)
	sub, _ := bus.Subscribe(eventbus.Captain(7))
	ctx := context.Background()

	newer := models.LocationUpdate{CaptainID: 7, Latitude: 2, Longitude: 2, Timestamp: "2026-03-02T07:31:00Z"}
	older := models.LocationUpdate{CaptainID: 7, Latitude: 1, Longitude: 1, Timestamp: "2026-03-02T07:30:00Z"}
	if _, err := s.HandleLocation(ctx, newer); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := s.HandleLocation(ctx, older); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sub.C) != 1 {
		t.Fatalf("expected only the newer update published, got %d", len(sub.C))
	}
	if got, _ := s.Location(ctx, 7); got.Latitude != 2 {
		t.Fatalf("older update overwrote newer: %+v", got)
	}
	if ev.count() != 1 {
		t.Fatalf("stale update should not be evaluated, got %d", ev.count())
	}
}

func TestWorkersEvaluateAfterStart(t *testing.T) {
	ev := &recordingEvaluator{done: make(chan struct{}, 4)}
	s, _, _ := newService(t, ev)
	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.HandleLocation(context.Background(), models.LocationUpdate{CaptainID: 7, Latitude: 3, Longitude: 3}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	select {
	case <-ev.done:
	case <-time.After(time.Second):
		t.Fatalf("worker never evaluated the update")
	}
}
