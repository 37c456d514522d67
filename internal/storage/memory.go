package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/models"
)

type sessionKey struct {
	captainID int64
	route     string
}

type attendanceKey struct {
	studentID int64
	sessionID string
}

// MemoryStore keeps everything in maps guarded by one lock. Every method is
// atomic with respect to the others.
type MemoryStore struct {
	mu            sync.RWMutex
	routes        map[string]struct{}
	stops         map[int64]models.Stop
	students      map[int64]models.Student
	captains      map[int64]models.Captain
	prefs         map[int64]models.NotificationPreference
	sessions      map[string]*models.BoardingSession
	active        map[sessionKey]string
	attendance    map[attendanceKey]models.AttendanceRecord
	notifications []models.NotificationRecord
	analytics     []models.AnalyticsEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:     make(map[string]struct{}),
		stops:      make(map[int64]models.Stop),
		students:   make(map[int64]models.Student),
		captains:   make(map[int64]models.Captain),
		prefs:      make(map[int64]models.NotificationPreference),
		sessions:   make(map[string]*models.BoardingSession),
		active:     make(map[sessionKey]string),
		attendance: make(map[attendanceKey]models.AttendanceRecord),
	}
}

func (m *MemoryStore) AddRoute(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[name] = struct{}{}
}

func (m *MemoryStore) AddStop(s models.Stop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[s.RouteName] = struct{}{}
	m.stops[s.ID] = s
}

func (m *MemoryStore) AddStudent(s models.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
}

func (m *MemoryStore) AddCaptain(c models.Captain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captains[c.ID] = c
}

func (m *MemoryStore) RouteExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.routes[name]
	return ok, nil
}

func (m *MemoryStore) RouteStops(_ context.Context, routeName string) ([]models.Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Stop
	for _, s := range m.stops {
		if s.RouteName == routeName {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Stop(_ context.Context, id int64) (models.Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stops[id]
	if !ok {
		return models.Stop{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) EnsureStopCoordinates(_ context.Context, stopID int64, c models.Coord) (models.Coord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[stopID]
	if !ok {
		return models.Coord{}, ErrNotFound
	}
	if s.Position != nil {
		return *s.Position, nil
	}
	pos := c
	s.Position = &pos
	m.stops[stopID] = s
	return pos, nil
}

func (m *MemoryStore) Student(_ context.Context, id int64) (models.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return models.Student{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) StudentsByRoute(_ context.Context, routeName string) ([]models.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Student
	for _, s := range m.students {
		if s.RouteName == routeName {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Captain(_ context.Context, id int64) (models.Captain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captains[id]
	if !ok {
		return models.Captain{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ActiveCaptainOnRoute(_ context.Context, routeName string) (models.Captain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Captain
	for _, c := range m.captains {
		if c.RouteName != routeName || !c.RideActive {
			continue
		}
		if best == nil || c.ID < best.ID {
			c := c
			best = &c
		}
	}
	if best == nil {
		return models.Captain{}, ErrNotFound
	}
	return *best, nil
}

func (m *MemoryStore) SetRideActive(_ context.Context, captainID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[captainID]
	if !ok {
		return ErrNotFound
	}
	c.RideActive = active
	m.captains[captainID] = c
	return nil
}

func (m *MemoryStore) NotificationPreference(_ context.Context, studentID int64) (models.NotificationPreference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[studentID]
	return p, ok, nil
}

func (m *MemoryStore) SaveNotificationPreference(_ context.Context, p models.NotificationPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.StudentID] = p
	return nil
}

// ensureSessionLocked must be called with m.mu held for writing.
func (m *MemoryStore) ensureSessionLocked(captainID int64, routeName, newID string, now time.Time) (*models.BoardingSession, bool) {
	key := sessionKey{captainID, routeName}
	if id, ok := m.active[key]; ok {
		return m.sessions[id], false
	}
	s := &models.BoardingSession{ID: newID, CaptainID: captainID, RouteName: routeName, StartedAt: now, Active: true}
	m.sessions[newID] = s
	m.active[key] = newID
	return s, true
}

func (m *MemoryStore) EnsureSession(_ context.Context, captainID int64, routeName, newID string, now time.Time) (models.BoardingSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, created := m.ensureSessionLocked(captainID, routeName, newID, now)
	return *s, created, nil
}

func (m *MemoryStore) Board(_ context.Context, req BoardRequest) (BoardResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// check before mutating anything so a duplicate leaves no trace
	key := sessionKey{req.CaptainID, req.RouteName}
	if id, ok := m.active[key]; ok {
		if _, dup := m.attendance[attendanceKey{req.StudentID, id}]; dup {
			return BoardResult{}, ErrDuplicate
		}
	}

	s, created := m.ensureSessionLocked(req.CaptainID, req.RouteName, req.NewSessionID, req.ScannedAt)
	rec := models.AttendanceRecord{
		StudentID: req.StudentID,
		RouteName: req.RouteName,
		CaptainID: req.CaptainID,
		SessionID: s.ID,
		ScannedAt: req.ScannedAt,
		Lat:       req.Lat,
		Lng:       req.Lng,
	}
	m.attendance[attendanceKey{req.StudentID, s.ID}] = rec
	s.BoardedCount++
	return BoardResult{Session: *s, Record: rec, SessionCreated: created}, nil
}

func (m *MemoryStore) EndSessions(_ context.Context, captainID int64, routeName string, now time.Time) ([]models.BoardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BoardingSession
	for key, id := range m.active {
		if key.captainID != captainID || (routeName != "" && key.route != routeName) {
			continue
		}
		s := m.sessions[id]
		ended := now
		s.EndedAt = &ended
		s.Active = false
		delete(m.active, key)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteName < out[j].RouteName })
	return out, nil
}

func (m *MemoryStore) SaveNotification(_ context.Context, rec models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, rec)
	return nil
}

func (m *MemoryStore) SaveAnalytics(_ context.Context, ev models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analytics = append(m.analytics, ev)
	return nil
}

// Attendance lists the records of one session.
func (m *MemoryStore) Attendance(sessionID string) []models.AttendanceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AttendanceRecord
	for k, r := range m.attendance {
		if k.sessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) Notifications() []models.NotificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.NotificationRecord(nil), m.notifications...)
}

func (m *MemoryStore) Analytics() []models.AnalyticsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AnalyticsEvent(nil), m.analytics...)
}

func (m *MemoryStore) Close() error { return nil }
