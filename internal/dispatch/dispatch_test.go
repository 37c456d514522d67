package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/models"
)

func TestHubStreamsSubscribedTopics(t *testing.T) {
	bus := eventbus.NewMemoryBus(8)
	defer bus.Close()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(r.Context(), conn, r.URL.Query()["topic"])
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?topic=student:42"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = bus.Publish(context.Background(), "student:43", "bus_approaching", map[string]int{"n": 0})
	_ = bus.Publish(context.Background(), "student:42", "bus_approaching", map[string]int{"n": 1})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != "student:42" || !strings.Contains(string(ev.Payload), `"n":1`) {
		t.Fatalf("unexpected event %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFCMPushSendsTopicMessage(t *testing.T) {
	var got map[string]map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFCMDispatcher(srv.URL, "k1")
	n := models.Notification{Type: "bus_approaching", Data: models.NotificationData{
		Title: "Bus approaching", Message: "soon", Urgency: "high", Distance: 0.9,
		Metadata: models.NotificationMetadata{IsUrgent: true},
	}}
	if err := f.Push(context.Background(), 42, n); err != nil {
		t.Fatalf("push: %v", err)
	}
	if auth != "Bearer k1" {
		t.Fatalf("missing auth header, got %q", auth)
	}
	msg := got["message"]
	if msg["topic"] != "student_42" {
		t.Fatalf("unexpected topic %v", msg["topic"])
	}
	data := msg["data"].(map[string]any)
	if data["distance"] != "0.900" || data["urgency"] != "high" {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestFCMPushReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	if err := NewFCMDispatcher(srv.URL, "").Push(context.Background(), 1, models.Notification{}); err == nil {
		t.Fatalf("expected error on 429")
	}
}
