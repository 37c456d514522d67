package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/example/campus-transit/internal/models"
)

const (
	TypeBusApproaching  = "bus_approaching"
	TypeStopApproaching = "stop_approaching"
)

// Delivery tiers, highest first.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierNormal   = "normal"
)

var tierOrder = []string{TierCritical, TierHigh, TierNormal}

func tierFor(u Urgency) string {
	switch u {
	case UrgencyCritical:
		return TierCritical
	case UrgencyHigh:
		return TierHigh
	}
	return TierNormal
}

type leg struct {
	student    models.Student
	captain    models.Captain
	stop       models.Stop
	pref       models.NotificationPreference
	location   models.CaptainLocation
	distanceKm float64
	etaMin     int
	urgency    Urgency
	speedKmh   float64
}

func buildNotification(l leg, now time.Time) models.Notification {
	dist := formatDistance(l.distanceKm)
	var title, msg, action string
	switch l.urgency {
	case UrgencyCritical:
		title = "Bus arriving now!"
		msg = fmt.Sprintf("Bus %s is %s from %s. Head to your stop now!", l.captain.BusNumber, dist, l.stop.Name)
		action = "head_to_stop"
	case UrgencyHigh:
		title = "Bus approaching"
		msg = fmt.Sprintf("Bus %s will reach %s in about %d min (%s away). Get ready!", l.captain.BusNumber, l.stop.Name, l.etaMin, dist)
		action = "get_ready"
	default:
		title = "Bus on the way"
		msg = fmt.Sprintf("Bus %s is %s from %s, about %d min away.", l.captain.BusNumber, dist, l.stop.Name, l.etaMin)
		action = "plan_ahead"
	}
	return models.Notification{
		Type: TypeBusApproaching,
		Data: models.NotificationData{
			StudentID:       l.student.ID,
			StudentName:     l.student.Name,
			CaptainID:       l.captain.ID,
			CaptainName:     l.captain.Name,
			BusNumber:       l.captain.BusNumber,
			StopName:        l.stop.Name,
			Distance:        roundKm(l.distanceKm),
			EstimatedTime:   l.etaMin,
			RouteName:       l.location.RouteName,
			Priority:        tierFor(l.urgency),
			Urgency:         string(l.urgency),
			Title:           title,
			Message:         msg,
			Action:          action,
			Timestamp:       now,
			CaptainLocation: l.location.Coord(),
			Metadata: models.NotificationMetadata{
				DistanceThreshold:    l.pref.RadiusKm,
				TimeThreshold:        l.pref.TimeThresholdMinutes,
				IsCritical:           l.urgency == UrgencyCritical,
				IsUrgent:             l.urgency != UrgencyMedium,
				EstimatedArrivalTime: now.Add(time.Duration(l.etaMin) * time.Minute),
				BusSpeed:             l.speedKmh,
			},
		},
	}
}

// StopApproach is the vehicle-level event sent once per cooldown when a bus
// enters a stop's radius, independent of any student.
type StopApproach struct {
	CaptainID     int64   `json:"captainId"`
	BusNumber     string  `json:"busNumber"`
	RouteName     string  `json:"routeName"`
	StopID        int64   `json:"stopId"`
	StopName      string  `json:"stopName"`
	Distance      float64 `json:"distance"`
	EstimatedTime int     `json:"estimatedTime"`
}

func roundKm(d float64) float64 { return math.Round(d*1000) / 1000 }

func formatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%dm", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.1fkm", km)
}
