package models

import (
	"fmt"
	"strings"
	"time"
)

// LocationUpdate is the message a captain's device sends on every tick.
// Timestamp is an optional ISO8601 string; zone-less values are read as UTC.
type LocationUpdate struct {
	CaptainID int64   `json:"captainId" validate:"required,gt=0"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// CapturedAt parses Timestamp, falling back to now when it is absent.
func (m LocationUpdate) CapturedAt(now time.Time) (time.Time, error) {
	ts := strings.TrimSpace(m.Timestamp)
	if ts == "" {
		return now, nil
	}
	if strings.HasSuffix(ts, "z") {
		ts = ts[:len(ts)-1] + "Z"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", m.Timestamp)
}

// BoardingScan is sent by a student after scanning the bus QR code.
type BoardingScan struct {
	StudentID int64    `json:"studentId" validate:"required,gt=0"`
	QRData    string   `json:"qrData" validate:"required"`
	CaptainID *int64   `json:"captainId,omitempty" validate:"omitempty,gt=0"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}
