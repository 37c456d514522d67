package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-transit/internal/arrivals"
	"github.com/example/campus-transit/internal/boarding"
	"github.com/example/campus-transit/internal/dispatch"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/qrcode"
	"github.com/example/campus-transit/internal/tracker"
)

// LocationPublisher hands raw location updates to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, msg models.LocationUpdate) error
}

// Deps are the engine components the API exposes. Kafka and Ready are
// optional.
type Deps struct {
	Tracker  *tracker.Service
	Boarding *boarding.Manager
	Notifier *notify.Notifier
	Issuer   *qrcode.Issuer
	Arrivals *arrivals.Board
	Hub      *dispatch.Hub
	Kafka    LocationPublisher
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

type Server struct {
	tracker  *tracker.Service
	boarding *boarding.Manager
	notifier *notify.Notifier
	issuer   *qrcode.Issuer
	arrivals *arrivals.Board
	hub      *dispatch.Hub
	kafka    LocationPublisher
	ready    func(ctx context.Context) error
	validate *validator.Validate
	logger   *slog.Logger
	mux      *mux.Router
	now      func() time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{
		tracker:  d.Tracker,
		boarding: d.Boarding,
		notifier: d.Notifier,
		issuer:   d.Issuer,
		arrivals: d.Arrivals,
		hub:      d.Hub,
		kafka:    d.Kafka,
		ready:    d.Ready,
		validate: validator.New(),
		logger:   d.Logger,
		mux:      mux.NewRouter(),
		now:      time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/captain/locations", s.handleCaptainLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/boarding/scan", s.handleScan).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{captain_id:[0-9]+}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{captain_id:[0-9]+}/end", s.handleEndRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/routes/{route}/qr", s.handleRouteQR).Methods("GET")
	s.mux.HandleFunc("/api/v1/routes/{route}/captains", s.handleRouteCaptains).Methods("GET")
	s.mux.HandleFunc("/api/v1/stops/{id:[0-9]+}/arrivals", s.handleStopArrivals).Methods("GET")
	s.mux.HandleFunc("/api/v1/students/{id:[0-9]+}/notifications/last", s.handleLastNotification).Methods("GET")
	s.mux.HandleFunc("/api/v1/students/{id:[0-9]+}/preferences", s.handleGetPreferences).Methods("GET")
	s.mux.HandleFunc("/api/v1/students/{id:[0-9]+}/preferences", s.handlePutPreferences).Methods("PUT")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCaptainLocation(w http.ResponseWriter, r *http.Request) {
	var msg models.LocationUpdate
	if !s.decode(w, r, &msg) {
		return
	}
	annotate(r.Context(), "captain_id", msg.CaptainID)
	// with Kafka configured the consumer process applies the update
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(r.Context(), msg); err != nil {
			s.logger.Error("kafka publish failed", "captain_id", msg.CaptainID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "location ingest unavailable, please try again")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	loc, err := s.tracker.HandleLocation(r.Context(), msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var msg models.BoardingScan
	if !s.decode(w, r, &msg) {
		return
	}
	annotate(r.Context(), "student_id", msg.StudentID)
	conf, err := s.boarding.ProcessScan(r.Context(), msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["captain_id"], 10, 64)
	sess, err := s.boarding.StartRide(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["captain_id"], 10, 64)
	sums, err := s.boarding.EndSession(r.Context(), id, r.URL.Query().Get("route"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
}

func (s *Server) handleRouteQR(w http.ResponseWriter, r *http.Request) {
	route := mux.Vars(r)["route"]
	p, token, err := s.issuer.Current(r.Context(), route, s.now())
	if errors.Is(err, qrcode.ErrUnknownRoute) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routeName": p.RouteName,
		"qrData":    token,
		"issuedAt":  p.IssuedTime().UTC(),
		"expiresAt": p.ExpiresTime().UTC(),
	})
}

func (s *Server) handleRouteCaptains(w http.ResponseWriter, r *http.Request) {
	locs := s.tracker.RouteLocations(r.Context(), mux.Vars(r)["route"])
	if locs == nil {
		locs = []models.CaptainLocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"captains": locs})
}

func (s *Server) handleStopArrivals(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	stop, list, err := s.arrivals.ForStop(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stop": stop, "arrivals": list})
}

func (s *Server) handleLastNotification(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	n, ok, err := s.notifier.LastNotification(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	p, err := s.notifier.Preferences().Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var p models.NotificationPreference
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.StudentID = id
	saved, err := s.notifier.Preferences().Update(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the socket to every ?topic= value.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "at least one topic is required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.hub.Serve(context.WithoutCancel(r.Context()), conn, topics); err != nil {
		s.logger.Warn("websocket session failed", "topics", topics, "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps engine errors onto HTTP statuses. Storage failures never leak
// their detail to the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tracker.ErrInvalidLocation), errors.Is(err, notify.ErrInvalidPreference):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, tracker.ErrUnknownCaptain):
		writeError(w, http.StatusNotFound, "captain not found")
		return
	case errors.Is(err, arrivals.ErrStopNotFound), errors.Is(err, arrivals.ErrStopUnpositioned):
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	kind := boarding.KindOf(err)
	if kind != boarding.KindStorage {
		annotate(r.Context(), "reject_kind", string(kind), "reject_reason", boarding.Reason(err))
	}
	switch kind {
	case boarding.KindValidation:
		writeError(w, http.StatusBadRequest, boarding.Reason(err))
	case boarding.KindConflict:
		writeError(w, http.StatusConflict, boarding.Reason(err))
	case boarding.KindNotFound:
		writeError(w, http.StatusNotFound, boarding.Reason(err))
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, boarding.ErrStorage.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
