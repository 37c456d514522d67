package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_transit"

var (
	LocationsReceived   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "locations_received_total", Help: "Captain location updates accepted"})
	LocationsStale      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "locations_stale_total", Help: "Location updates ignored because a newer one was already stored"})
	LocationCacheErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_cache_errors_total", Help: "Failed location mirror reads/writes"})
	LiveCaptains        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_captains", Help: "Captains with a live location in memory"})
	EvaluationsDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "evaluations_dropped_total", Help: "Geofence evaluations skipped because the queue was full"})

	GeofenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "geofence_evaluation_seconds", Help: "Time to evaluate one location update against a route"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Proximity notifications dispatched"},
		[]string{"urgency"},
	)
	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_suppressed_total", Help: "Proximity notifications withheld by policy"},
		[]string{"reason"},
	)
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Per-recipient dispatch failures"})

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "boarding_scans_total", Help: "QR boarding scans by outcome"},
		[]string{"result"},
	)
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_started_total", Help: "Boarding sessions opened"})
	SessionsEnded   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_ended_total", Help: "Boarding sessions closed"})

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_events_published_total", Help: "Events published on the event bus"},
		[]string{"topic"},
	)
	BusDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bus_events_dropped_total", Help: "Events dropped for slow subscribers"})
	SocketsOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sockets_open", Help: "Open websocket subscriber connections"})
	PushFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_failures_total", Help: "Failed FCM push deliveries"})

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Location messages consumed from Kafka by outcome"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
