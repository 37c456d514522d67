package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CaptainLocation is the last known position of a captain. Only the latest
// value per captain is kept.
type CaptainLocation struct {
	CaptainID  int64     `json:"captainId"`
	RouteName  string    `json:"routeName"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (l CaptainLocation) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

// Stop is a boarding point on a route. Position is nil until coordinates are
// known or a placeholder has been persisted.
type Stop struct {
	ID        int64  `json:"id"`
	RouteName string `json:"routeName"`
	Name      string `json:"name"`
	Position  *Coord `json:"position,omitempty"`
}

type Route struct {
	Name  string `json:"name" yaml:"name"`
	Stops []Stop `json:"stops,omitempty" yaml:"-"`
}

type Student struct {
	ID                 int64  `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	RegistrationNumber string `json:"registrationNumber" yaml:"registration_number"`
	RouteName          string `json:"routeName" yaml:"route"`
	StopID             int64  `json:"stopId" yaml:"stop_id"`
}

type Captain struct {
	ID         int64  `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	BusNumber  string `json:"busNumber" yaml:"bus_number"`
	RouteName  string `json:"routeName" yaml:"route"`
	RideActive bool   `json:"rideActive" yaml:"ride_active"`
}

// NotificationPreference holds a student's proximity alert settings. Quiet
// hours are "HH:MM" strings; empty means no quiet hours.
type NotificationPreference struct {
	StudentID            int64   `json:"studentId"`
	RadiusKm             float64 `json:"radiusKm" validate:"gt=0,lte=50"`
	TimeThresholdMinutes int     `json:"timeThresholdMinutes" validate:"gt=0,lte=120"`
	QuietHoursStart      string  `json:"quietHoursStart,omitempty" validate:"omitempty,datetime=15:04"`
	QuietHoursEnd        string  `json:"quietHoursEnd,omitempty" validate:"omitempty,datetime=15:04"`
	Enabled              bool    `json:"enabled"`
	SoundEnabled         bool    `json:"soundEnabled"`
	VibrationEnabled     bool    `json:"vibrationEnabled"`
}

type BoardingSession struct {
	ID           string     `json:"sessionId"`
	CaptainID    int64      `json:"captainId"`
	RouteName    string     `json:"routeName"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	BoardedCount int        `json:"boardedCount"`
	Active       bool       `json:"active"`
}

type AttendanceRecord struct {
	StudentID int64     `json:"studentId"`
	RouteName string    `json:"routeName"`
	CaptainID int64     `json:"captainId"`
	SessionID string    `json:"sessionId"`
	ScannedAt time.Time `json:"scannedAt"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
}

// BoardingConfirmation is returned to the scanning student and broadcast to
// the captain and admin feeds.
type BoardingConfirmation struct {
	StudentID          int64     `json:"studentId"`
	StudentName        string    `json:"studentName"`
	RegistrationNumber string    `json:"registrationNumber"`
	RouteName          string    `json:"routeName"`
	CaptainID          int64     `json:"captainId"`
	CaptainName        string    `json:"captainName"`
	SessionID          string    `json:"sessionId"`
	StudentsOnboard    int       `json:"studentsOnboard"`
	ScanTimestamp      time.Time `json:"scanTimestamp"`
	StopName           string    `json:"stopName"`
}

type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	CaptainID    int64     `json:"captainId"`
	RouteName    string    `json:"routeName"`
	BoardedCount int       `json:"boardedCount"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
}

type NotificationMetadata struct {
	DistanceThreshold    float64   `json:"distanceThreshold"`
	TimeThreshold        int       `json:"timeThreshold"`
	IsCritical           bool      `json:"isCritical"`
	IsUrgent             bool      `json:"isUrgent"`
	EstimatedArrivalTime time.Time `json:"estimatedArrivalTime"`
	BusSpeed             float64   `json:"busSpeed"`
}

type NotificationData struct {
	StudentID       int64                `json:"studentId"`
	StudentName     string               `json:"studentName"`
	CaptainID       int64                `json:"captainId"`
	CaptainName     string               `json:"captainName"`
	BusNumber       string               `json:"busNumber"`
	StopName        string               `json:"stopName"`
	Distance        float64              `json:"distance"`
	EstimatedTime   int                  `json:"estimatedTime"`
	RouteName       string               `json:"routeName"`
	Priority        string               `json:"priority"`
	Urgency         string               `json:"urgency"`
	Title           string               `json:"title"`
	Message         string               `json:"message"`
	Action          string               `json:"action"`
	Timestamp       time.Time            `json:"timestamp"`
	CaptainLocation Coord                `json:"captainLocation"`
	Metadata        NotificationMetadata `json:"metadata"`
}

// Notification is the event pushed to subscribers when a bus nears a stop.
type Notification struct {
	Type string           `json:"type"`
	Data NotificationData `json:"data"`
}

// NotificationRecord is the audit row written for every dispatched notification.
type NotificationRecord struct {
	StudentID  int64
	CaptainID  int64
	StopID     int64
	RouteName  string
	Type       string
	Urgency    string
	Title      string
	Message    string
	DistanceKm float64
	EtaMinutes int
	SentAt     time.Time
}

// AnalyticsEvent captures distance/time at dispatch for effectiveness reports.
type AnalyticsEvent struct {
	StudentID  int64
	CaptainID  int64
	RouteName  string
	Urgency    string
	DistanceKm float64
	EtaMinutes int
	RecordedAt time.Time
}
