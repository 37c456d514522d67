package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-transit/internal/eventbus"
	"github.com/example/campus-transit/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WSSession is one connected app client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub bridges event bus topics to websocket clients. Each client gets its
// own bus subscription, so a slow socket only loses its own events.
type Hub struct {
	bus    eventbus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewHub(bus eventbus.Bus, logger *slog.Logger) *Hub {
	return &Hub{bus: bus, logger: logger, sessions: make(map[*WSSession]struct{})}
}

var ErrNoTopics = errors.New("dispatch: no topics requested")

// Serve streams events for topics to conn until the client goes away or ctx
// is cancelled. It owns conn and closes it on return.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, topics []string) error {
	defer conn.Close()
	if len(topics) == 0 {
		return ErrNoTopics
	}
	sub, err := h.bus.Subscribe(topics...)
	if err != nil {
		return err
	}
	defer sub.Close()

	s := &WSSession{conn: conn}
	h.add(s)
	defer h.remove(s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.Send(ev); err != nil {
				h.logger.Debug("ws send failed", "topic", ev.Topic, "error", err)
				return nil
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return nil
			}
		}
	}
}

// readPump discards client frames and cancels the session once the peer
// closes or stops answering pings.
func (h *Hub) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(s *WSSession) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.SocketsOpen.Inc()
}

func (h *Hub) remove(s *WSSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	observability.SocketsOpen.Dec()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every client; their Serve calls then return.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		_ = s.conn.Close()
	}
}
