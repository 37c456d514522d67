// Package boarding runs the per-ride boarding session state machine:
// NoSession -> Active -> Ended for every (captain, route) pair.
package boarding

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/qrcode"
	"github.com/example/campus-transit/internal/storage"
)

// Event types published by the manager.
const (
	EventStudentBoarded = "student_boarded"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventRideStarted    = "ride_started"
)

type Store interface {
	Student(ctx context.Context, id int64) (models.Student, error)
	Stop(ctx context.Context, id int64) (models.Stop, error)
	Captain(ctx context.Context, id int64) (models.Captain, error)
	ActiveCaptainOnRoute(ctx context.Context, routeName string) (models.Captain, error)
	SetRideActive(ctx context.Context, captainID int64, active bool) error
	EnsureSession(ctx context.Context, captainID int64, routeName, newID string, now time.Time) (models.BoardingSession, bool, error)
	Board(ctx context.Context, req storage.BoardRequest) (storage.BoardResult, error)
	EndSessions(ctx context.Context, captainID int64, routeName string, now time.Time) ([]models.BoardingSession, error)
}

// TokenValidator resolves a scanned QR token to a route name.
type TokenValidator interface {
	Validate(ctx context.Context, token string, now time.Time) (string, error)
}

// LocationClearer forgets a captain's live position once the ride ends.
type LocationClearer interface {
	Clear(ctx context.Context, captainID int64)
}

type Manager struct {
	store     Store
	tokens    TokenValidator
	bus       eventbus.Bus
	locations LocationClearer
	locks     *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewManager(store Store, tokens TokenValidator, bus eventbus.Bus, locations LocationClearer, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		tokens:    tokens,
		bus:       bus,
		locations: locations,
		locks:     newKeyedMutex(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func pairKey(captainID int64, routeName string) string {
	return strconv.FormatInt(captainID, 10) + "|" + routeName
}

// GetOrCreateSession returns the active session for the pair, opening one
// when none exists. Concurrent callers for one pair get the same id.
func (m *Manager) GetOrCreateSession(ctx context.Context, captainID int64, routeName string) (models.BoardingSession, error) {
	unlock := m.locks.Lock(pairKey(captainID, routeName))
	s, created, err := m.store.EnsureSession(ctx, captainID, routeName, m.newID(), m.now())
	unlock()
	if err != nil {
		return models.BoardingSession{}, storageErr("ensure session", err)
	}
	if created {
		observability.SessionsStarted.Inc()
		m.publish(ctx, EventSessionStarted, s, eventbus.Captain(captainID), eventbus.AdminDashboard)
	}
	return s, nil
}

// ProcessScan boards a student from a scanned QR token. Rejections come back
// as *RejectedError; anything else wraps ErrStorage.
func (m *Manager) ProcessScan(ctx context.Context, scan models.BoardingScan) (models.BoardingConfirmation, error) {
	conf, err := m.processScan(ctx, scan)
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	observability.ScansTotal.WithLabelValues(result).Inc()
	return conf, err
}

func (m *Manager) processScan(ctx context.Context, scan models.BoardingScan) (models.BoardingConfirmation, error) {
	now := m.now()
	route, err := m.tokens.Validate(ctx, scan.QRData, now)
	if err != nil {
		return models.BoardingConfirmation{}, qrRejection(err)
	}

	student, err := m.store.Student(ctx, scan.StudentID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.BoardingConfirmation{}, reject(ErrStudentNotFound, "")
	}
	if err != nil {
		return models.BoardingConfirmation{}, storageErr("load student", err)
	}
	if student.RouteName != route {
		return models.BoardingConfirmation{}, reject(ErrRouteMismatch, "this QR code is for route "+route+", you are assigned to "+student.RouteName)
	}

	captain, err := m.resolveCaptain(ctx, scan.CaptainID, route)
	if err != nil {
		return models.BoardingConfirmation{}, err
	}

	stopName := ""
	if stop, err := m.store.Stop(ctx, student.StopID); err == nil {
		stopName = stop.Name
	}

	unlock := m.locks.Lock(pairKey(captain.ID, route))
	res, err := m.store.Board(ctx, storage.BoardRequest{
		StudentID:    student.ID,
		CaptainID:    captain.ID,
		RouteName:    route,
		NewSessionID: m.newID(),
		ScannedAt:    now,
		Lat:          scan.Latitude,
		Lng:          scan.Longitude,
	})
	unlock()
	if errors.Is(err, storage.ErrDuplicate) {
		return models.BoardingConfirmation{}, reject(ErrAlreadyBoarded, "")
	}
	if err != nil {
		return models.BoardingConfirmation{}, storageErr("board", err)
	}

	if res.SessionCreated {
		observability.SessionsStarted.Inc()
		m.publish(ctx, EventSessionStarted, res.Session, eventbus.Captain(captain.ID), eventbus.AdminDashboard)
	}
	conf := models.BoardingConfirmation{
		StudentID:          student.ID,
		StudentName:        student.Name,
		RegistrationNumber: student.RegistrationNumber,
		RouteName:          route,
		CaptainID:          captain.ID,
		CaptainName:        captain.Name,
		SessionID:          res.Session.ID,
		StudentsOnboard:    res.Session.BoardedCount,
		ScanTimestamp:      now,
		StopName:           stopName,
	}
	m.publish(ctx, EventStudentBoarded, conf, eventbus.Captain(captain.ID), eventbus.Student(student.ID), eventbus.AdminDashboard)
	return conf, nil
}

func qrRejection(err error) error {
	switch {
	case errors.Is(err, qrcode.ErrExpired):
		return &RejectedError{Err: ErrInvalidQR, Reason: "QR code has expired"}
	case errors.Is(err, qrcode.ErrUnknownRoute):
		return &RejectedError{Err: ErrInvalidQR, Reason: "QR code is for an unknown route"}
	case errors.Is(err, qrcode.ErrSignatureMismatch), errors.Is(err, qrcode.ErrMalformedPayload):
		return &RejectedError{Err: ErrInvalidQR, Reason: "QR code is not valid"}
	}
	return storageErr("validate qr", err)
}

func (m *Manager) resolveCaptain(ctx context.Context, captainID *int64, route string) (models.Captain, error) {
	if captainID == nil {
		c, err := m.store.ActiveCaptainOnRoute(ctx, route)
		if errors.Is(err, storage.ErrNotFound) {
			return models.Captain{}, reject(ErrNoActiveRide, "")
		}
		if err != nil {
			return models.Captain{}, storageErr("active captain", err)
		}
		return c, nil
	}
	c, err := m.store.Captain(ctx, *captainID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Captain{}, reject(ErrCaptainNotFound, "")
	}
	if err != nil {
		return models.Captain{}, storageErr("load captain", err)
	}
	if c.RouteName != route || !c.RideActive {
		return models.Captain{}, reject(ErrNoActiveRide, "")
	}
	return c, nil
}

// StartRide marks the captain's ride active and opens its session.
func (m *Manager) StartRide(ctx context.Context, captainID int64) (models.BoardingSession, error) {
	c, err := m.store.Captain(ctx, captainID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.BoardingSession{}, reject(ErrCaptainNotFound, "")
	}
	if err != nil {
		return models.BoardingSession{}, storageErr("load captain", err)
	}
	if err := m.store.SetRideActive(ctx, captainID, true); err != nil {
		return models.BoardingSession{}, storageErr("start ride", err)
	}
	s, err := m.GetOrCreateSession(ctx, captainID, c.RouteName)
	if err != nil {
		return models.BoardingSession{}, err
	}
	m.publish(ctx, EventRideStarted, s, eventbus.Captain(captainID), eventbus.AdminDashboard)
	return s, nil
}

// EndSession ends the captain's active session on routeName, or on every
// route when routeName is empty, and closes the ride.
func (m *Manager) EndSession(ctx context.Context, captainID int64, routeName string) ([]models.SessionSummary, error) {
	now := m.now()
	var (
		ended []models.BoardingSession
		err   error
	)
	if routeName != "" {
		unlock := m.locks.Lock(pairKey(captainID, routeName))
		ended, err = m.store.EndSessions(ctx, captainID, routeName, now)
		unlock()
	} else {
		ended, err = m.store.EndSessions(ctx, captainID, "", now)
	}
	if err != nil {
		return nil, storageErr("end sessions", err)
	}
	if len(ended) == 0 {
		return nil, reject(ErrNoActiveSession, "")
	}

	if err := m.store.SetRideActive(ctx, captainID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("mark ride inactive failed", "captain_id", captainID, "error", err)
	}
	if m.locations != nil {
		m.locations.Clear(ctx, captainID)
	}

	out := make([]models.SessionSummary, 0, len(ended))
	for _, s := range ended {
		sum := models.SessionSummary{
			SessionID:    s.ID,
			CaptainID:    s.CaptainID,
			RouteName:    s.RouteName,
			BoardedCount: s.BoardedCount,
			StartedAt:    s.StartedAt,
			EndedAt:      now,
		}
		out = append(out, sum)
		m.publish(ctx, EventSessionEnded, sum, eventbus.Captain(captainID), eventbus.AdminDashboard)
	}
	observability.SessionsEnded.Add(float64(len(out)))
	return out, nil
}

// publish is fire-and-forget; a failed broadcast never undoes a committed write.
func (m *Manager) publish(ctx context.Context, eventType string, payload any, topics ...string) {
	if m.bus == nil {
		return
	}
	for _, t := range topics {
		if err := m.bus.Publish(ctx, t, eventType, payload); err != nil {
			m.logger.Warn("publish failed", "topic", t, "type", eventType, "error", err)
		}
	}
}
