package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/campus-transit/internal/models"
)

// accessLines returns the http_request entries written to buf.
func accessLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line not json: %s", line)
		}
		if m["msg"] == "http_request" {
			out = append(out, m)
		}
	}
	buf.Reset()
	return out
}

func withLogBuffer(e *testEnv) *bytes.Buffer {
	buf := &bytes.Buffer{}
	e.srv.logger = slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return buf
}

func field(m map[string]any, k string) string {
	if v, ok := m[k]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func TestAccessLogCarriesDomainIDs(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	buf := withLogBuffer(e)

	e.do(t, "POST", "/internal/captain/locations", models.LocationUpdate{CaptainID: 7, Latitude: 33.6844, Longitude: 73.0479})
	lines := accessLines(t, buf)
	if len(lines) != 1 || field(lines[0], "captain_id") != "7" || field(lines[0], "level") != "INFO" {
		t.Fatalf("expected one info line with captain_id 7, got %v", lines)
	}
	if field(lines[0], "route") != "/internal/captain/locations" || field(lines[0], "status") != "200" {
		t.Fatalf("unexpected route/status in %v", lines[0])
	}

	e.do(t, "GET", "/api/v1/students/42/preferences", nil)
	lines = accessLines(t, buf)
	if len(lines) != 1 || field(lines[0], "student_id") != "42" || field(lines[0], "route") != "/api/v1/students/{id:[0-9]+}/preferences" {
		t.Fatalf("expected student_id from the path, got %v", lines)
	}

	e.do(t, "GET", "/api/v1/stops/1/arrivals", nil)
	lines = accessLines(t, buf)
	if len(lines) != 1 || field(lines[0], "stop_id") != "1" {
		t.Fatalf("expected stop_id from the path, got %v", lines)
	}
}

func TestAccessLogRejectedScanIsWarn(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	buf := withLogBuffer(e)

	rec := e.do(t, "POST", "/api/v1/boarding/scan", models.BoardingScan{StudentID: 42, QRData: "not-a-token"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	lines := accessLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected one access line, got %d", len(lines))
	}
	l := lines[0]
	if field(l, "level") != "WARN" || field(l, "student_id") != "42" || field(l, "reject_kind") != "validation" {
		t.Fatalf("unexpected access line %v", l)
	}
	if field(l, "reject_reason") != errorReason(t, rec) {
		t.Fatalf("logged reason %q differs from response %q", field(l, "reject_reason"), errorReason(t, rec))
	}
}

func TestRequestIDEchoedOrReplaced(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "gate-2-scanner-17")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "gate-2-scanner-17" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}

	for _, bad := range []string{strings.Repeat("x", maxRequestIDLen+1), "has space", "line\nbreak"} {
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.Header.Set("X-Request-ID", bad)
		rec := httptest.NewRecorder()
		e.srv.ServeHTTP(rec, req)
		got := rec.Header().Get("X-Request-ID")
		if got == bad || got == "" {
			t.Fatalf("expected a fresh id for %q, got %q", bad, got)
		}
	}
}

func TestRecoverReturnsJSON500(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	buf := withLogBuffer(e)
	e.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("bad stop index") })

	rec := e.do(t, "GET", "/boom", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if reason := errorReason(t, rec); reason != "something went wrong, please try again" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if !strings.Contains(buf.String(), "bad stop index") {
		t.Fatalf("panic value should be logged, got %s", buf.String())
	}
}
