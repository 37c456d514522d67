package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/cache"
	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	store *storage.MemoryStore
	bus   *eventbus.MemoryBus
	cache *cache.Memory
	n     *Notifier
	clock time.Time
}

func newFixture(t *testing.T, bus eventbus.Bus) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		bus:   eventbus.NewMemoryBus(64),
		cache: cache.NewMemory(),
		clock: time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	if bus == nil {
		bus = f.bus
	}
	f.store.AddRoute("R1")
	f.store.AddCaptain(models.Captain{ID: 7, Name: "Imran", BusNumber: "LEA-1234", RouteName: "R1", RideActive: true})
	f.n = New(f.store, bus, f.cache, nil, Config{RadiusKm: 2.0, TimeThreshold: 5, Cooldown: 10 * time.Minute, SpeedKmh: 20}, testLogger())
	f.n.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) addStop(id int64, name string, lat, lon float64) {
	f.store.AddStop(models.Stop{ID: id, RouteName: "R1", Name: name, Position: &models.Coord{Lat: lat, Lon: lon}})
}

func captainAt(lat, lon float64) models.CaptainLocation {
	return models.CaptainLocation{CaptainID: 7, RouteName: "R1", Latitude: lat, Longitude: lon}
}

// drain collects bus_approaching events already queued on s.
func drain(s *eventbus.Subscription) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-s.C:
			if ev.Type == TypeBusApproaching {
				out = append(out, ev)
			}
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestEvaluateScenarioHighUrgency(t *testing.T) {
	f := newFixture(t, nil)
	// Gate-2 sits 0.9km due north of the captain
	f.addStop(1, "Gate-2", 33.6925, 73.0479)
	f.store.AddStudent(models.Student{ID: 42, Name: "Ayesha", RouteName: "R1", StopID: 1})

	studentSub, _ := f.bus.Subscribe(eventbus.Student(42))
	routeSub, _ := f.bus.Subscribe(eventbus.RouteNotifications("R1"))

	res, err := f.n.Evaluate(context.Background(), captainAt(33.6844, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("expected one dispatch, got %+v", res)
	}
	got := drain(studentSub)
	if len(got) != 1 {
		t.Fatalf("expected 1 event on student:42, got %d", len(got))
	}
	if len(drain(routeSub)) != 1 {
		t.Fatalf("expected 1 event on route:R1:notifications")
	}

	n, ok, err := f.n.LastNotification(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("expected cached last notification, ok=%v err=%v", ok, err)
	}
	if n.Data.Urgency != "high" || n.Data.Priority != TierHigh {
		t.Fatalf("expected high urgency, got %s/%s", n.Data.Urgency, n.Data.Priority)
	}
	if n.Data.Distance < 0.89 || n.Data.Distance > 0.91 {
		t.Fatalf("expected ~0.9km, got %v", n.Data.Distance)
	}
	if n.Data.EstimatedTime >= 5 {
		t.Fatalf("expected eta under 5 min, got %d", n.Data.EstimatedTime)
	}
	if n.Data.StudentID != 42 || n.Data.CaptainID != 7 || n.Data.StopName != "Gate-2" || n.Data.BusNumber != "LEA-1234" {
		t.Fatalf("unexpected notification body %+v", n.Data)
	}

	if recs := f.store.Notifications(); len(recs) != 1 || recs[0].Urgency != "high" {
		t.Fatalf("expected one audit record, got %+v", recs)
	}
	if evs := f.store.Analytics(); len(evs) != 1 || evs[0].EtaMinutes != n.Data.EstimatedTime {
		t.Fatalf("expected one analytics event, got %+v", evs)
	}
}

func TestEvaluateCloseStopIsCritical(t *testing.T) {
	f := newFixture(t, nil)
	// about 650m away, eta 2 min
	f.addStop(1, "Gate-2", 33.69, 73.05)
	f.store.AddStudent(models.Student{ID: 42, Name: "Ayesha", RouteName: "R1", StopID: 1})

	if _, err := f.n.Evaluate(context.Background(), captainAt(33.6844, 73.0479)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	n, ok, _ := f.n.LastNotification(context.Background(), 42)
	if !ok || n.Data.Urgency != "critical" || !n.Data.Metadata.IsCritical {
		t.Fatalf("expected critical notification, got %+v", n.Data)
	}
}

func TestEvaluateCooldownAndCriticalOverride(t *testing.T) {
	f := newFixture(t, nil)
	f.addStop(1, "Library", 33.7015, 73.0479) // ~1.9km from the start point
	f.store.AddStudent(models.Student{ID: 42, Name: "Ayesha", RouteName: "R1", StopID: 1})
	sub, _ := f.bus.Subscribe(eventbus.Student(42))
	ctx := context.Background()

	if _, err := f.n.Evaluate(ctx, captainAt(33.6844, 73.0479)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	f.clock = f.clock.Add(time.Minute)
	res, err := f.n.Evaluate(ctx, captainAt(33.6844, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Dispatched != 0 || res.Suppressed != 1 {
		t.Fatalf("second medium alert inside cooldown should be suppressed, got %+v", res)
	}
	if got := drain(sub); len(got) != 1 {
		t.Fatalf("expected exactly one event inside the cooldown window, got %d", len(got))
	}

	// 4 minutes after the first alert the bus is 400m out: past the
	// reduced critical window but well inside the normal one
	f.clock = f.clock.Add(3 * time.Minute)
	res, err = f.n.Evaluate(ctx, captainAt(33.6979, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("critical alert should bypass the normal cooldown, got %+v", res)
	}
	got := drain(sub)
	if len(got) != 1 {
		t.Fatalf("expected one critical event, got %d", len(got))
	}
	n, _, _ := f.n.LastNotification(ctx, 42)
	if n.Data.Urgency != "critical" {
		t.Fatalf("expected critical, got %s", n.Data.Urgency)
	}
}

func TestEvaluateDispatchesCriticalTierFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.addStop(1, "Library", 33.7015, 73.0479) // medium
	f.addStop(2, "Gate-1", 33.6880, 73.0479)  // ~400m, critical
	f.store.AddStudent(models.Student{ID: 50, Name: "A", RouteName: "R1", StopID: 1})
	f.store.AddStudent(models.Student{ID: 51, Name: "B", RouteName: "R1", StopID: 2})
	sub, _ := f.bus.Subscribe(eventbus.RouteNotifications("R1"))

	if _, err := f.n.Evaluate(context.Background(), captainAt(33.6844, 73.0479)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	var first models.Notification
	if err := json.Unmarshal(got[0].Payload, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Data.StudentID != 51 || first.Data.Priority != TierCritical {
		t.Fatalf("expected critical alert for student 51 first, got %+v", first.Data)
	}
}

type flakyBus struct {
	eventbus.Bus
	failTopic string
}

func (b flakyBus) Publish(ctx context.Context, topic, eventType string, payload any) error {
	if topic == b.failTopic {
		return errors.New("socket layer down")
	}
	return b.Bus.Publish(ctx, topic, eventType, payload)
}

func TestEvaluateIsolatesRecipientFailures(t *testing.T) {
	inner := eventbus.NewMemoryBus(64)
	defer inner.Close()
	f := newFixture(t, flakyBus{Bus: inner, failTopic: eventbus.Student(43)})
	f.addStop(1, "Gate-2", 33.6925, 73.0479)
	f.store.AddStudent(models.Student{ID: 42, Name: "A", RouteName: "R1", StopID: 1})
	f.store.AddStudent(models.Student{ID: 43, Name: "B", RouteName: "R1", StopID: 1})
	sub, _ := inner.Subscribe(eventbus.Student(42))

	res, err := f.n.Evaluate(context.Background(), captainAt(33.6844, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Dispatched != 1 || res.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", res)
	}
	if len(drain(sub)) != 1 {
		t.Fatalf("student 42 should still be notified")
	}
}

// failOnceBus rejects the first publish to failTopic and passes the rest.
type failOnceBus struct {
	eventbus.Bus
	failTopic string
	failed    bool
}

func (b *failOnceBus) Publish(ctx context.Context, topic, eventType string, payload any) error {
	if topic == b.failTopic && !b.failed {
		b.failed = true
		return errors.New("socket layer down")
	}
	return b.Bus.Publish(ctx, topic, eventType, payload)
}

func TestEvaluateRetriesAfterFailedDispatch(t *testing.T) {
	inner := eventbus.NewMemoryBus(64)
	defer inner.Close()
	f := newFixture(t, &failOnceBus{Bus: inner, failTopic: eventbus.Student(42)})
	f.addStop(1, "Gate-2", 33.6925, 73.0479)
	f.store.AddStudent(models.Student{ID: 42, Name: "A", RouteName: "R1", StopID: 1})
	sub, _ := inner.Subscribe(eventbus.Student(42))
	ctx := context.Background()

	res, err := f.n.Evaluate(ctx, captainAt(33.6844, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Failed != 1 || res.Dispatched != 0 {
		t.Fatalf("expected the first send to fail, got %+v", res)
	}
	if !f.n.cooldowns.Last(studentKey(42)).IsZero() {
		t.Fatalf("a failed send must not hold the cooldown")
	}

	f.clock = f.clock.Add(10 * time.Second)
	res, err = f.n.Evaluate(ctx, captainAt(33.6844, 73.0479))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("next tick should deliver, got %+v", res)
	}
	if got := drain(sub); len(got) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(got))
	}
}

func TestEvaluatePersistsPlaceholderCoordinates(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddStop(models.Stop{ID: 9, RouteName: "R1", Name: "Hostel"})
	f.store.AddStudent(models.Student{ID: 42, Name: "A", RouteName: "R1", StopID: 9})

	if _, err := f.n.Evaluate(context.Background(), captainAt(33.6844, 73.0479)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	s, err := f.store.Stop(context.Background(), 9)
	if err != nil || s.Position == nil {
		t.Fatalf("expected placeholder position persisted, got %+v err=%v", s, err)
	}
	first := *s.Position
	if _, err := f.n.Evaluate(context.Background(), captainAt(33.70, 73.06)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	s, _ = f.store.Stop(context.Background(), 9)
	if *s.Position != first {
		t.Fatalf("placeholder moved: %v -> %v", first, *s.Position)
	}
}

func TestEvaluateUnknownCaptain(t *testing.T) {
	f := newFixture(t, nil)
	loc := captainAt(33.6844, 73.0479)
	loc.CaptainID = 99
	if _, err := f.n.Evaluate(context.Background(), loc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLastNotificationMiss(t *testing.T) {
	f := newFixture(t, nil)
	if _, ok, err := f.n.LastNotification(context.Background(), 1); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}

func TestPreferencesDefaultsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p, err := f.n.Preferences().Get(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RadiusKm != 2.0 || p.TimeThresholdMinutes != 5 || !p.Enabled || !p.SoundEnabled || !p.VibrationEnabled {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if _, ok, _ := f.store.NotificationPreference(ctx, 42); !ok {
		t.Fatalf("defaults were not persisted")
	}
}

func TestPreferencesUpdateValidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bad := []models.NotificationPreference{
		{StudentID: 42, RadiusKm: 0, TimeThresholdMinutes: 5, Enabled: true},
		{StudentID: 42, RadiusKm: 2, TimeThresholdMinutes: 5, QuietHoursStart: "25:00", QuietHoursEnd: "06:00"},
		{StudentID: 42, RadiusKm: 2, TimeThresholdMinutes: 5, QuietHoursStart: "22:00"},
	}
	for _, p := range bad {
		if _, err := f.n.Preferences().Update(ctx, p); !errors.Is(err, ErrInvalidPreference) {
			t.Fatalf("expected ErrInvalidPreference for %+v, got %v", p, err)
		}
	}
	ok := models.NotificationPreference{StudentID: 42, RadiusKm: 1.5, TimeThresholdMinutes: 3, QuietHoursStart: "22:00", QuietHoursEnd: "06:00"}
	if _, err := f.n.Preferences().Update(ctx, ok); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := f.n.Preferences().Get(ctx, 42)
	if got.RadiusKm != 1.5 || got.Enabled {
		t.Fatalf("update not persisted: %+v", got)
	}
}
