package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/campus-transit/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations in file-name order. Every
// statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (p *PostgresStore) RouteExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM routes WHERE name=$1)`, name).Scan(&ok)
	return ok, err
}

func scanStop(row interface{ Scan(...any) error }) (models.Stop, error) {
	var s models.Stop
	var lat, lng sql.NullFloat64
	if err := row.Scan(&s.ID, &s.RouteName, &s.Name, &lat, &lng); err != nil {
		return models.Stop{}, err
	}
	if lat.Valid && lng.Valid {
		s.Position = &models.Coord{Lat: lat.Float64, Lon: lng.Float64}
	}
	return s, nil
}

func (p *PostgresStore) RouteStops(ctx context.Context, routeName string) ([]models.Stop, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, route_name, name, latitude, longitude FROM stops WHERE route_name=$1 ORDER BY id`, routeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Stop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stop(ctx context.Context, id int64) (models.Stop, error) {
	s, err := scanStop(p.db.QueryRowContext(ctx, `SELECT id, route_name, name, latitude, longitude FROM stops WHERE id=$1`, id))
	return s, notFound(err)
}

func (p *PostgresStore) EnsureStopCoordinates(ctx context.Context, stopID int64, c models.Coord) (models.Coord, error) {
	var out models.Coord
	err := p.db.QueryRowContext(ctx,
		`UPDATE stops SET latitude=COALESCE(latitude,$2), longitude=COALESCE(longitude,$3) WHERE id=$1 RETURNING latitude, longitude`,
		stopID, c.Lat, c.Lon).Scan(&out.Lat, &out.Lon)
	return out, notFound(err)
}

const studentCols = `id, name, registration_number, route_name, COALESCE(stop_id, 0)`

func scanStudent(row interface{ Scan(...any) error }) (models.Student, error) {
	var s models.Student
	err := row.Scan(&s.ID, &s.Name, &s.RegistrationNumber, &s.RouteName, &s.StopID)
	return s, err
}

func (p *PostgresStore) Student(ctx context.Context, id int64) (models.Student, error) {
	s, err := scanStudent(p.db.QueryRowContext(ctx, `SELECT `+studentCols+` FROM students WHERE id=$1`, id))
	return s, notFound(err)
}

func (p *PostgresStore) StudentsByRoute(ctx context.Context, routeName string) ([]models.Student, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+studentCols+` FROM students WHERE route_name=$1 ORDER BY id`, routeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const captainCols = `id, name, bus_number, route_name, ride_active`

func scanCaptain(row interface{ Scan(...any) error }) (models.Captain, error) {
	var c models.Captain
	err := row.Scan(&c.ID, &c.Name, &c.BusNumber, &c.RouteName, &c.RideActive)
	return c, notFound(err)
}

func (p *PostgresStore) Captain(ctx context.Context, id int64) (models.Captain, error) {
	return scanCaptain(p.db.QueryRowContext(ctx, `SELECT `+captainCols+` FROM captains WHERE id=$1`, id))
}

func (p *PostgresStore) ActiveCaptainOnRoute(ctx context.Context, routeName string) (models.Captain, error) {
	return scanCaptain(p.db.QueryRowContext(ctx,
		`SELECT `+captainCols+` FROM captains WHERE route_name=$1 AND ride_active ORDER BY id LIMIT 1`, routeName))
}

func (p *PostgresStore) SetRideActive(ctx context.Context, captainID int64, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE captains SET ride_active=$2 WHERE id=$1`, captainID, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) NotificationPreference(ctx context.Context, studentID int64) (models.NotificationPreference, bool, error) {
	pref := models.NotificationPreference{StudentID: studentID}
	err := p.db.QueryRowContext(ctx,
		`SELECT radius_km, time_threshold_minutes, quiet_hours_start, quiet_hours_end, enabled, sound_enabled, vibration_enabled
		 FROM notification_preferences WHERE student_id=$1`, studentID).
		Scan(&pref.RadiusKm, &pref.TimeThresholdMinutes, &pref.QuietHoursStart, &pref.QuietHoursEnd, &pref.Enabled, &pref.SoundEnabled, &pref.VibrationEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotificationPreference{}, false, nil
	}
	if err != nil {
		return models.NotificationPreference{}, false, err
	}
	return pref, true, nil
}

func (p *PostgresStore) SaveNotificationPreference(ctx context.Context, pref models.NotificationPreference) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notification_preferences(student_id, radius_km, time_threshold_minutes, quiet_hours_start, quiet_hours_end, enabled, sound_enabled, vibration_enabled)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (student_id) DO UPDATE SET radius_km=EXCLUDED.radius_km, time_threshold_minutes=EXCLUDED.time_threshold_minutes,
		   quiet_hours_start=EXCLUDED.quiet_hours_start, quiet_hours_end=EXCLUDED.quiet_hours_end, enabled=EXCLUDED.enabled,
		   sound_enabled=EXCLUDED.sound_enabled, vibration_enabled=EXCLUDED.vibration_enabled`,
		pref.StudentID, pref.RadiusKm, pref.TimeThresholdMinutes, pref.QuietHoursStart, pref.QuietHoursEnd, pref.Enabled, pref.SoundEnabled, pref.VibrationEnabled)
	return err
}

// ensureSessionTx locks the active session row for the pair, inserting one
// if none exists. A concurrent insert from another process surfaces as an
// ON CONFLICT no-op and is retried as a lookup.
func ensureSessionTx(ctx context.Context, tx *sql.Tx, captainID int64, routeName, newID string, now time.Time) (models.BoardingSession, bool, error) {
	sess := models.BoardingSession{CaptainID: captainID, RouteName: routeName, Active: true}
	lookup := func() error {
		return tx.QueryRowContext(ctx,
			`SELECT id, started_at, boarded_count FROM boarding_sessions WHERE captain_id=$1 AND route_name=$2 AND active FOR UPDATE`,
			captainID, routeName).Scan(&sess.ID, &sess.StartedAt, &sess.BoardedCount)
	}
	err := lookup()
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.BoardingSession{}, false, err
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO boarding_sessions(id, captain_id, route_name, started_at, boarded_count, active)
		 VALUES($1,$2,$3,$4,0,TRUE)
		 ON CONFLICT (captain_id, route_name) WHERE active DO NOTHING
		 RETURNING id`, newID, captainID, routeName, now).Scan(&sess.ID)
	if err == nil {
		sess.StartedAt = now
		return sess, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.BoardingSession{}, false, err
	}
	if err := lookup(); err != nil {
		return models.BoardingSession{}, false, err
	}
	return sess, false, nil
}

func (p *PostgresStore) EnsureSession(ctx context.Context, captainID int64, routeName, newID string, now time.Time) (models.BoardingSession, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BoardingSession{}, false, err
	}
	defer tx.Rollback()
	sess, created, err := ensureSessionTx(ctx, tx, captainID, routeName, newID, now)
	if err != nil {
		return models.BoardingSession{}, false, err
	}
	return sess, created, tx.Commit()
}

func (p *PostgresStore) Board(ctx context.Context, req BoardRequest) (BoardResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BoardResult{}, err
	}
	defer tx.Rollback()

	sess, created, err := ensureSessionTx(ctx, tx, req.CaptainID, req.RouteName, req.NewSessionID, req.ScannedAt)
	if err != nil {
		return BoardResult{}, err
	}
	rec := models.AttendanceRecord{
		StudentID: req.StudentID,
		RouteName: req.RouteName,
		CaptainID: req.CaptainID,
		SessionID: sess.ID,
		ScannedAt: req.ScannedAt,
		Lat:       req.Lat,
		Lng:       req.Lng,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO attendance(student_id, route_name, captain_id, session_id, scanned_at, lat, lng) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		rec.StudentID, rec.RouteName, rec.CaptainID, rec.SessionID, rec.ScannedAt, rec.Lat, rec.Lng)
	if isUniqueViolation(err) {
		return BoardResult{}, ErrDuplicate
	}
	if err != nil {
		return BoardResult{}, err
	}
	if err := tx.QueryRowContext(ctx,
		`UPDATE boarding_sessions SET boarded_count=boarded_count+1 WHERE id=$1 RETURNING boarded_count`, sess.ID).
		Scan(&sess.BoardedCount); err != nil {
		return BoardResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BoardResult{}, err
	}
	return BoardResult{Session: sess, Record: rec, SessionCreated: created}, nil
}

func (p *PostgresStore) EndSessions(ctx context.Context, captainID int64, routeName string, now time.Time) ([]models.BoardingSession, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE boarding_sessions SET active=FALSE, ended_at=$3
		 WHERE captain_id=$1 AND active AND ($2 = '' OR route_name=$2)
		 RETURNING id, route_name, started_at, boarded_count`, captainID, routeName, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BoardingSession
	for rows.Next() {
		ended := now
		s := models.BoardingSession{CaptainID: captainID, EndedAt: &ended}
		if err := rows.Scan(&s.ID, &s.RouteName, &s.StartedAt, &s.BoardedCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveNotification(ctx context.Context, rec models.NotificationRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notification_log(student_id, captain_id, stop_id, route_name, type, urgency, title, message, distance_km, eta_minutes, sent_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.StudentID, rec.CaptainID, rec.StopID, rec.RouteName, rec.Type, rec.Urgency, rec.Title, rec.Message, rec.DistanceKm, rec.EtaMinutes, rec.SentAt)
	return err
}

func (p *PostgresStore) SaveAnalytics(ctx context.Context, ev models.AnalyticsEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notification_analytics(student_id, captain_id, route_name, urgency, distance_km, eta_minutes, recorded_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		ev.StudentID, ev.CaptainID, ev.RouteName, ev.Urgency, ev.DistanceKm, ev.EtaMinutes, ev.RecordedAt)
	return err
}
