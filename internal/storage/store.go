package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/campus-transit/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

// BoardRequest is the input to the atomic boarding unit of work.
type BoardRequest struct {
	StudentID    int64
	CaptainID    int64
	RouteName    string
	NewSessionID string // used only when no active session exists
	ScannedAt    time.Time
	Lat          *float64
	Lng          *float64
}

type BoardResult struct {
	Session        models.BoardingSession
	Record         models.AttendanceRecord
	SessionCreated bool
}

// Store is the relational persistence used by the tracking engine.
type Store interface {
	RouteExists(ctx context.Context, name string) (bool, error)
	RouteStops(ctx context.Context, routeName string) ([]models.Stop, error)
	Stop(ctx context.Context, id int64) (models.Stop, error)
	// EnsureStopCoordinates persists c for a stop that has no position yet
	// and returns whatever position the stop ends up with.
	EnsureStopCoordinates(ctx context.Context, stopID int64, c models.Coord) (models.Coord, error)

	Student(ctx context.Context, id int64) (models.Student, error)
	StudentsByRoute(ctx context.Context, routeName string) ([]models.Student, error)
	Captain(ctx context.Context, id int64) (models.Captain, error)
	ActiveCaptainOnRoute(ctx context.Context, routeName string) (models.Captain, error)
	SetRideActive(ctx context.Context, captainID int64, active bool) error

	NotificationPreference(ctx context.Context, studentID int64) (models.NotificationPreference, bool, error)
	SaveNotificationPreference(ctx context.Context, p models.NotificationPreference) error

	// EnsureSession returns the active session for the pair, creating it
	// with newID when none exists.
	EnsureSession(ctx context.Context, captainID int64, routeName, newID string, now time.Time) (models.BoardingSession, bool, error)
	// Board resolves or creates the session, inserts the attendance record
	// and increments the boarded count as one all-or-nothing unit.
	// ErrDuplicate means the student already boarded this session.
	Board(ctx context.Context, req BoardRequest) (BoardResult, error)
	// EndSessions ends the captain's active sessions (all routes when
	// routeName is empty) and returns them.
	EndSessions(ctx context.Context, captainID int64, routeName string, now time.Time) ([]models.BoardingSession, error)

	SaveNotification(ctx context.Context, rec models.NotificationRecord) error
	SaveAnalytics(ctx context.Context, ev models.AnalyticsEvent) error

	Close() error
}
