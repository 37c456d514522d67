package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/campus-transit/internal/cache"
	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
)

const (
	DefaultCooldown = 10 * time.Minute
	// LastNotificationTTL bounds the catch-up copy kept for reconnecting students.
	LastNotificationTTL = time.Hour
)

// Store is the slice of storage the notifier reads and writes.
type Store interface {
	PreferenceStore
	RouteStops(ctx context.Context, routeName string) ([]models.Stop, error)
	StudentsByRoute(ctx context.Context, routeName string) ([]models.Student, error)
	Captain(ctx context.Context, id int64) (models.Captain, error)
	EnsureStopCoordinates(ctx context.Context, stopID int64, c models.Coord) (models.Coord, error)
	SaveNotification(ctx context.Context, rec models.NotificationRecord) error
	SaveAnalytics(ctx context.Context, ev models.AnalyticsEvent) error
}

// Pusher delivers a notification to a student's device outside the socket
// layer, e.g. through FCM.
type Pusher interface {
	Push(ctx context.Context, studentID int64, n models.Notification) error
}

type Config struct {
	RadiusKm      float64
	TimeThreshold int
	// Cooldown is the full re-notification window; zero means DefaultCooldown.
	Cooldown time.Duration
	SpeedKmh float64
	// Parallelism caps concurrent pair evaluations per location update.
	Parallelism int
	Location    *time.Location
}

// Result summarizes one evaluation.
type Result struct {
	Pairs      int
	Dispatched int
	Suppressed int
	Failed     int
}

type Notifier struct {
	store     Store
	bus       eventbus.Bus
	cache     cache.Cache
	estimator eta.Estimator
	prefs     *Preferences
	policy    Policy
	cooldowns *Cooldowns
	pusher    Pusher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, bus eventbus.Bus, c cache.Cache, est eta.Estimator, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = eta.DefaultSpeedKmh
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if est == nil {
		est = eta.FormulaEstimator{SpeedKmh: cfg.SpeedKmh}
	}
	prefs := NewPreferences(store, cfg.RadiusKm, cfg.TimeThreshold, logger)
	cfg.RadiusKm, cfg.TimeThreshold = prefs.radiusKm, prefs.timeThreshold
	return &Notifier{
		store:     store,
		bus:       bus,
		cache:     c,
		estimator: est,
		prefs:     prefs,
		policy:    Policy{Cooldown: cfg.Cooldown, Location: cfg.Location},
		cooldowns: NewCooldowns(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetPusher attaches an optional device push sink.
func (n *Notifier) SetPusher(p Pusher) { n.pusher = p }

func (n *Notifier) Preferences() *Preferences { return n.prefs }

type outgoing struct {
	leg          leg
	notification models.Notification
	// prevSent is the recipient's send time before this alert claimed the
	// cooldown; a failed dispatch restores it.
	prevSent time.Time
}

// Evaluate checks every (stop, student) pair on the captain's route against
// loc and dispatches the resulting alerts, critical tier first. A failure for
// one recipient is logged and counted without affecting the others.
func (n *Notifier) Evaluate(ctx context.Context, loc models.CaptainLocation) (Result, error) {
	start := time.Now()
	defer func() { observability.GeofenceLatency.Observe(time.Since(start).Seconds()) }()

	now := n.now()
	captain, err := n.store.Captain(ctx, loc.CaptainID)
	if err != nil {
		return Result{}, fmt.Errorf("captain %d: %w", loc.CaptainID, err)
	}
	stops, err := n.store.RouteStops(ctx, loc.RouteName)
	if err != nil {
		return Result{}, fmt.Errorf("stops for %s: %w", loc.RouteName, err)
	}
	students, err := n.store.StudentsByRoute(ctx, loc.RouteName)
	if err != nil {
		return Result{}, fmt.Errorf("students for %s: %w", loc.RouteName, err)
	}

	byID := n.positionStops(ctx, loc, stops)
	n.stopGeofence(ctx, loc, captain, byID, now)

	var (
		mu  sync.Mutex
		out []outgoing
		res Result
	)
	var g errgroup.Group
	g.SetLimit(n.cfg.Parallelism)
	for _, st := range students {
		stop, ok := byID[st.StopID]
		if !ok || stop.Position == nil {
			continue
		}
		res.Pairs++
		st := st
		g.Go(func() error {
			o, d, err := n.evaluatePair(ctx, loc, captain, stop, st, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				n.logger.Warn("evaluate pair failed", "student_id", st.ID, "stop_id", stop.ID, "error", err)
			case !d.Notify:
				res.Suppressed++
				if d.Reason != ReasonOutOfRange {
					observability.NotificationsSuppressed.WithLabelValues(d.Reason).Inc()
				}
			default:
				out = append(out, o)
			}
			return nil
		})
	}
	_ = g.Wait()

	tiers := make(map[string][]outgoing, len(tierOrder))
	for _, o := range out {
		t := o.notification.Data.Priority
		tiers[t] = append(tiers[t], o)
	}
	for _, t := range tierOrder {
		for _, o := range tiers[t] {
			if err := n.dispatch(ctx, o, now); err != nil {
				n.cooldowns.Restore(studentKey(o.leg.student.ID), now, o.prevSent)
				res.Failed++
				observability.NotificationFailures.Inc()
				n.logger.Warn("dispatch notification failed", "student_id", o.leg.student.ID, "tier", t, "error", err)
				continue
			}
			res.Dispatched++
			observability.NotificationsSent.WithLabelValues(string(o.leg.urgency)).Inc()
		}
	}
	return res, nil
}

// positionStops indexes stops by id, persisting a placeholder position for
// any stop whose coordinates were never recorded.
func (n *Notifier) positionStops(ctx context.Context, loc models.CaptainLocation, stops []models.Stop) map[int64]models.Stop {
	ref := loc.Coord()
	for _, s := range stops {
		if s.Position != nil {
			ref = *s.Position
			break
		}
	}
	byID := make(map[int64]models.Stop, len(stops))
	for _, s := range stops {
		if s.Position == nil {
			c, err := n.store.EnsureStopCoordinates(ctx, s.ID, geo.PlaceholderCoordinates(ref, loc.RouteName, s.ID))
			if err != nil {
				n.logger.Warn("placeholder coordinates failed", "stop_id", s.ID, "error", err)
			} else {
				s.Position = &c
			}
		}
		byID[s.ID] = s
	}
	return byID
}

func (n *Notifier) stopGeofence(ctx context.Context, loc models.CaptainLocation, captain models.Captain, stops map[int64]models.Stop, now time.Time) {
	for _, s := range stops {
		if s.Position == nil {
			continue
		}
		d := geo.Distance(loc.Coord(), *s.Position)
		if d > n.cfg.RadiusKm {
			continue
		}
		key := "stop:" + strconv.FormatInt(s.ID, 10) + ":captain:" + strconv.FormatInt(captain.ID, 10)
		fire := n.cooldowns.Decide(key, now, func(last time.Time) bool {
			return last.IsZero() || now.Sub(last) >= n.cfg.Cooldown
		})
		if !fire {
			continue
		}
		ev := StopApproach{
			CaptainID:     captain.ID,
			BusNumber:     captain.BusNumber,
			RouteName:     loc.RouteName,
			StopID:        s.ID,
			StopName:      s.Name,
			Distance:      roundKm(d),
			EstimatedTime: eta.EstimatedMinutes(d, n.cfg.SpeedKmh),
		}
		if err := n.bus.Publish(ctx, eventbus.RouteNotifications(loc.RouteName), TypeStopApproaching, ev); err != nil {
			n.logger.Warn("publish stop approach failed", "stop_id", s.ID, "error", err)
		}
	}
}

func (n *Notifier) evaluatePair(ctx context.Context, loc models.CaptainLocation, captain models.Captain, stop models.Stop, st models.Student, now time.Time) (outgoing, Decision, error) {
	d := geo.Distance(loc.Coord(), *stop.Position)
	etaMin, err := n.estimator.EstimateMinutes(ctx, loc.Coord(), *stop.Position, d)
	if err != nil {
		return outgoing{}, Decision{}, fmt.Errorf("eta: %w", err)
	}
	pref, err := n.prefs.Get(ctx, st.ID)
	if err != nil {
		return outgoing{}, Decision{}, err
	}
	var (
		dec  Decision
		prev time.Time
	)
	n.cooldowns.Decide(studentKey(st.ID), now, func(last time.Time) bool {
		prev = last
		dec = n.policy.ShouldNotify(pref, d, etaMin, last, now)
		return dec.Notify
	})
	if !dec.Notify {
		return outgoing{}, dec, nil
	}
	l := leg{
		student:    st,
		captain:    captain,
		stop:       stop,
		pref:       pref,
		location:   loc,
		distanceKm: d,
		etaMin:     etaMin,
		urgency:    dec.Urgency,
		speedKmh:   n.cfg.SpeedKmh,
	}
	return outgoing{leg: l, notification: buildNotification(l, now), prevSent: prev}, dec, nil
}

func studentKey(id int64) string { return "student:" + strconv.FormatInt(id, 10) }

func lastKey(studentID int64) string {
	return "notification:last:" + strconv.FormatInt(studentID, 10)
}

// dispatch delivers one notification. Bus delivery decides success; the
// catch-up copy, device push and audit rows are best effort.
func (n *Notifier) dispatch(ctx context.Context, o outgoing, now time.Time) error {
	l := o.leg
	var errs []error
	if err := n.bus.Publish(ctx, eventbus.Student(l.student.ID), o.notification.Type, o.notification); err != nil {
		errs = append(errs, fmt.Errorf("student topic: %w", err))
	}
	if err := n.bus.Publish(ctx, eventbus.RouteNotifications(l.location.RouteName), o.notification.Type, o.notification); err != nil {
		errs = append(errs, fmt.Errorf("route topic: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if n.cache != nil {
		if b, err := json.Marshal(o.notification); err == nil {
			if err := n.cache.Set(ctx, lastKey(l.student.ID), b, LastNotificationTTL); err != nil {
				n.logger.Warn("cache last notification failed", "student_id", l.student.ID, "error", err)
			}
		}
	}
	if n.pusher != nil {
		if err := n.pusher.Push(ctx, l.student.ID, o.notification); err != nil {
			observability.PushFailures.Inc()
			n.logger.Warn("device push failed", "student_id", l.student.ID, "error", err)
		}
	}

	rec := models.NotificationRecord{
		StudentID:  l.student.ID,
		CaptainID:  l.captain.ID,
		StopID:     l.stop.ID,
		RouteName:  l.location.RouteName,
		Type:       o.notification.Type,
		Urgency:    string(l.urgency),
		Title:      o.notification.Data.Title,
		Message:    o.notification.Data.Message,
		DistanceKm: o.notification.Data.Distance,
		EtaMinutes: l.etaMin,
		SentAt:     now,
	}
	if err := n.store.SaveNotification(ctx, rec); err != nil {
		n.logger.Warn("save notification failed", "student_id", l.student.ID, "error", err)
	}
	ev := models.AnalyticsEvent{
		StudentID:  l.student.ID,
		CaptainID:  l.captain.ID,
		RouteName:  l.location.RouteName,
		Urgency:    string(l.urgency),
		DistanceKm: o.notification.Data.Distance,
		EtaMinutes: l.etaMin,
		RecordedAt: now,
	}
	if err := n.store.SaveAnalytics(ctx, ev); err != nil {
		n.logger.Warn("save analytics failed", "student_id", l.student.ID, "error", err)
	}
	return nil
}

// LastNotification returns the most recent alert sent to a student within
// LastNotificationTTL, for clients that were offline when it was published.
func (n *Notifier) LastNotification(ctx context.Context, studentID int64) (models.Notification, bool, error) {
	if n.cache == nil {
		return models.Notification{}, false, nil
	}
	b, err := n.cache.Get(ctx, lastKey(studentID))
	if errors.Is(err, cache.ErrMiss) {
		return models.Notification{}, false, nil
	}
	if err != nil {
		return models.Notification{}, false, err
	}
	var out models.Notification
	if err := json.Unmarshal(b, &out); err != nil {
		return models.Notification{}, false, fmt.Errorf("decode last notification: %w", err)
	}
	return out, true, nil
}
