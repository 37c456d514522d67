// Package notify decides which students to alert as a bus approaches their
// stop and delivers those alerts in urgency order.
package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/example/campus-transit/internal/models"
)

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
)

// Emergency thresholds force a critical alert and bypass quiet hours.
const (
	EmergencyDistanceKm = 0.5
	EmergencyMinutes    = 2
)

const (
	criticalCooldownFactor = 0.3
	highCooldownFactor     = 0.6
)

// Suppression reasons, also used as metric labels.
const (
	ReasonDisabled   = "disabled"
	ReasonOutOfRange = "out_of_range"
	ReasonQuietHours = "quiet_hours"
	ReasonCooldown   = "cooldown"
)

type Decision struct {
	Notify  bool
	Urgency Urgency
	Reason  string
}

// Policy holds the tunables shared by every student. Location is the zone
// quiet hours are read in; nil means the zone of the time being checked.
type Policy struct {
	Cooldown time.Duration
	Location *time.Location
}

// Classify reports whether a leg triggers at all and how urgent it is,
// ignoring quiet hours and cooldowns.
func Classify(pref models.NotificationPreference, distanceKm float64, etaMin int) (bool, Urgency, string) {
	emergency := distanceKm <= EmergencyDistanceKm || etaMin <= EmergencyMinutes
	inRadius := distanceKm <= pref.RadiusKm
	inTime := etaMin <= pref.TimeThresholdMinutes

	switch {
	case emergency:
		return true, UrgencyCritical, "emergency"
	case !inRadius && !inTime:
		return false, UrgencyMedium, ReasonOutOfRange
	}
	reason := "distance"
	if !inRadius {
		reason = "time"
	}
	if distanceKm <= 1 || etaMin <= 3 || (inRadius && inTime) {
		return true, UrgencyHigh, reason
	}
	return true, UrgencyMedium, reason
}

// ShouldNotify applies the full decision for one student. lastSent is the
// zero time when the student has never been notified.
func (p Policy) ShouldNotify(pref models.NotificationPreference, distanceKm float64, etaMin int, lastSent, now time.Time) Decision {
	if !pref.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	trigger, urgency, reason := Classify(pref, distanceKm, etaMin)
	if !trigger {
		return Decision{Urgency: urgency, Reason: reason}
	}
	if urgency != UrgencyCritical && p.inQuietHours(pref, now) {
		return Decision{Urgency: urgency, Reason: ReasonQuietHours}
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < p.window(urgency) {
		return Decision{Urgency: urgency, Reason: ReasonCooldown}
	}
	return Decision{Notify: true, Urgency: urgency, Reason: reason}
}

func (p Policy) window(u Urgency) time.Duration {
	switch u {
	case UrgencyCritical:
		return time.Duration(float64(p.Cooldown) * criticalCooldownFactor)
	case UrgencyHigh:
		return time.Duration(float64(p.Cooldown) * highCooldownFactor)
	}
	return p.Cooldown
}

func (p Policy) inQuietHours(pref models.NotificationPreference, now time.Time) bool {
	start, ok1 := clockMinutes(pref.QuietHoursStart)
	end, ok2 := clockMinutes(pref.QuietHoursEnd)
	if !ok1 || !ok2 || start == end {
		return false
	}
	if p.Location != nil {
		now = now.In(p.Location)
	}
	m := now.Hour()*60 + now.Minute()
	if start < end {
		return m >= start && m < end
	}
	// window wraps past midnight, e.g. 22:00-06:00
	return m >= start || m < end
}

func clockMinutes(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
