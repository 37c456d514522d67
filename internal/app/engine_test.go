package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/models"
)

const seed = `routes:
  - name: R1
    stops:
      - {id: 1, name: Gate-2, lat: 33.6925, lon: 73.0479}
students:
  - {id: 42, name: Ayesha, registration_number: FA21-BCS-042, route: R1, stop_id: 1}
captains:
  - {id: 7, name: Imran, bus_number: LEA-1234, route: R1}
`

func testConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return config.ServerConfig{
		QRSecrets:        []string{"0123456789abcdef"},
		QRTTL:            time.Hour,
		NotifyDistanceKm: 2,
		NotifyTimeMin:    5,
		NotifyCooldown:   10 * time.Minute,
		BusSpeedKmh:      20,
		EvalWorkers:      2,
		LocationTTL:      time.Minute,
		SeedFile:         path,
	}
}

// A full ride on the in-process backends: start, track, alert, board, end.
func TestEngineRideEndToEnd(t *testing.T) {
	ctx := context.Background()
	e, err := Build(ctx, testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if err := e.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	sub, _ := e.Bus.Subscribe(eventbus.Student(42), eventbus.RouteNotifications("R1"))
	defer sub.Close()

	if _, err := e.Boarding.StartRide(ctx, 7); err != nil {
		t.Fatalf("start ride: %v", err)
	}
	e.Tracker.Start(ctx)
	if _, err := e.Tracker.HandleLocation(ctx, models.LocationUpdate{CaptainID: 7, Latitude: 33.6844, Longitude: 73.0479}); err != nil {
		t.Fatalf("location: %v", err)
	}

	var studentEvents, routeEvents int
	timeout := time.After(2 * time.Second)
	for studentEvents == 0 || routeEvents == 0 {
		select {
		case ev := <-sub.C:
			if ev.Type != "bus_approaching" {
				continue
			}
			if ev.Topic == "student:42" {
				studentEvents++
			} else {
				routeEvents++
			}
		case <-timeout:
			t.Fatalf("missing notifications: student=%d route=%d", studentEvents, routeEvents)
		}
	}

	_, token, err := e.Issuer.Current(ctx, "R1", time.Now().Add(-10*time.Second))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conf, err := e.Boarding.ProcessScan(ctx, models.BoardingScan{StudentID: 42, QRData: token})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if conf.StudentsOnboard != 1 {
		t.Fatalf("expected 1 onboard, got %d", conf.StudentsOnboard)
	}

	sums, err := e.Boarding.EndSession(ctx, 7, "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(sums) != 1 || sums[0].BoardedCount != 1 {
		t.Fatalf("unexpected summaries %+v", sums)
	}
	if _, ok := e.Tracker.Location(ctx, 7); ok {
		t.Fatalf("location should be cleared after the ride ends")
	}
}

func TestBuildFailsOnMissingSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for missing seed file")
	}
}
