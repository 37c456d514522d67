// Package eventbus fans location, notification and boarding events out to
// subscribers. Publishing never blocks on a slow subscriber: each
// subscription has a bounded buffer and events that do not fit are dropped
// and counted.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// AdminDashboard receives every session and ride event.
const AdminDashboard = "admin_dashboard"

func RouteLocations(route string) string     { return "route:" + route + ":locations" }
func RouteNotifications(route string) string { return "route:" + route + ":notifications" }
func Captain(id int64) string                { return "captain:" + strconv.FormatInt(id, 10) }
func Student(id int64) string                { return "student:" + strconv.FormatInt(id, 10) }

// Event is one published message. Payload is the JSON encoding of the value
// handed to Publish.
type Event struct {
	Topic       string          `json:"topic"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

type Bus interface {
	// Publish encodes payload and delivers it to current subscribers of
	// topic. Subscribers that were not connected never see the event.
	Publish(ctx context.Context, topic, eventType string, payload any) error
	Subscribe(topics ...string) (*Subscription, error)
	Close() error
}
