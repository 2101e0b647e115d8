// ============================================================================
// API SERVER TESTS - Chi Router Based
// ============================================================================
//
// Tests call through the full router (ServeHTTP) rather than individual
// handlers so chi URL params, middleware and routing are all exercised.
//
// TEST PATTERNS:
//   - setupTestServer: real service on a mock clock + API server
//   - fireUntil drives the mock clock when a test needs jobs to fire
// ============================================================================

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"

	"secwheel/internal/metrics"
	"secwheel/internal/service"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func setupTestServer(t *testing.T) (*Server, *service.Service, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := service.DefaultConfig()
	config.Wheel.Clock = mock
	config.Wheel.PollInterval = 250 * time.Millisecond
	config.Logger = logger

	svc, err := service.New(config)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	registryConfig := metrics.DefaultConfig()
	registryConfig.IncludeGoCollector = false
	registryConfig.IncludeProcessCollector = false

	serverConfig := DefaultServerConfig()
	serverConfig.Logger = logger
	serverConfig.Metrics = metrics.NewRegistry(registryConfig)

	server := NewServer(svc, serverConfig)
	server.Health().SetReady(true)

	return server, svc, mock
}

// doRequest makes an HTTP request through the router.
func doRequest(server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	server.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", rec.Body.String(), err)
	}
}

func fireUntil(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if cond() {
			return
		}
		mock.Add(250 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// ============================================================================
// HEALTH & STATS ENDPOINT TESTS
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doRequest(server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var resp map[string]interface{}
	decode(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestProbes(t *testing.T) {
	server, svc, _ := setupTestServer(t)

	if rec := doRequest(server, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}

	rec := doRequest(server, http.MethodGet, "/readyz?verbose=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	decode(t, rec, &resp)
	checks, ok := resp["checks"].(map[string]interface{})
	if !ok || checks["wheel"] == nil {
		t.Errorf("expected wheel check in verbose readiness, got %v", resp)
	}

	server.Health().SetReady(false)
	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz when not ready: expected 503, got %d", rec.Code)
	}

	server.Health().SetReady(true)
	svc.Close()
	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after close: expected 503, got %d", rec.Code)
	}

	server.Health().SetLive(false)
	if rec := doRequest(server, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz when dead: expected 503, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	doRequest(server, http.MethodPost, "/events", ScheduleEventRequest{Owner: "o", At: 100})

	rec := doRequest(server, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp struct {
		ActiveJobs int `json:"active_jobs"`
		Wheel      struct {
			Pending int `json:"pending"`
			Slots   int `json:"slots"`
		} `json:"wheel"`
	}
	decode(t, rec, &resp)
	if resp.ActiveJobs != 1 || resp.Wheel.Pending != 1 {
		t.Errorf("unexpected stats: %+v", resp)
	}
	if resp.Wheel.Slots != 60 {
		t.Errorf("slots = %d, want 60", resp.Wheel.Slots)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	doRequest(server, http.MethodGet, "/health", nil)

	rec := doRequest(server, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "secwheel_api_http_requests_total") {
		t.Error("expected request counter in /metrics output")
	}
}

// ============================================================================
// EVENT ENDPOINT TESTS
// ============================================================================

func TestScheduleEvent(t *testing.T) {
	server, _, _ := setupTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{"absolute second", ScheduleEventRequest{Owner: "o", At: 50}, http.StatusCreated},
		{"delay", ScheduleEventRequest{Owner: "o", Delay: "90s"}, http.StatusCreated},
		{"cron", ScheduleEventRequest{Owner: "o", Cron: "*/5 * * * *"}, http.StatusCreated},
		{"bad delay", ScheduleEventRequest{Owner: "o", Delay: "soon"}, http.StatusBadRequest},
		{"zero delay", ScheduleEventRequest{Owner: "o", Delay: "0s"}, http.StatusBadRequest},
		{"nothing set", ScheduleEventRequest{Owner: "o"}, http.StatusBadRequest},
		{"bad cron", ScheduleEventRequest{Owner: "o", Cron: "* *"}, http.StatusBadRequest},
		{"missing owner", ScheduleEventRequest{At: 50}, http.StatusBadRequest},
		{"not json", "{{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(server, http.MethodPost, "/events", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			if rec.Code != http.StatusCreated {
				var resp map[string]interface{}
				decode(t, rec, &resp)
				if resp["error"] == nil || resp["status"] == nil {
					t.Errorf("error body missing fields: %v", resp)
				}
			}
		})
	}

	rec := doRequest(server, http.MethodPost, "/events", ScheduleEventRequest{Owner: "o", Delay: "90s"})
	var job service.Job
	decode(t, rec, &job)
	if job.ID == "" || job.Expiry != 90 {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestGetListCancelEvent(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doRequest(server, http.MethodPost, "/events", ScheduleEventRequest{Owner: "alice", Arg: "x", At: 30})
	var job service.Job
	decode(t, rec, &job)

	rec = doRequest(server, http.MethodGet, "/events/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var got service.Job
	decode(t, rec, &got)
	if got.Owner != "alice" || got.Expiry != 30 {
		t.Errorf("unexpected job: %+v", got)
	}

	rec = doRequest(server, http.MethodGet, "/events", nil)
	var list struct {
		Events []service.Job `json:"events"`
		Count  int           `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 1 || list.Events[0].ID != job.ID {
		t.Errorf("unexpected list: %+v", list)
	}

	rec = doRequest(server, http.MethodDelete, "/events/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}

	if rec := doRequest(server, http.MethodDelete, "/events/"+job.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second cancel: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(server, http.MethodGet, "/events/"+job.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get cancelled: expected 404, got %d", rec.Code)
	}
}

func TestFiredEndpoint(t *testing.T) {
	server, svc, mock := setupTestServer(t)

	for i := 0; i < 3; i++ {
		doRequest(server, http.MethodPost, "/events", ScheduleEventRequest{Owner: "o", At: 1})
	}
	fireUntil(t, mock, func() bool { return len(svc.Fired(0)) == 3 })

	rec := doRequest(server, http.MethodGet, "/fired?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp struct {
		Fired []service.FiredRecord `json:"fired"`
		Count int                   `json:"count"`
	}
	decode(t, rec, &resp)
	if resp.Count != 2 || len(resp.Fired) != 2 {
		t.Errorf("expected 2 records, got %+v", resp)
	}

	if rec := doRequest(server, http.MethodGet, "/fired?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestScheduleAfterClose(t *testing.T) {
	server, svc, _ := setupTestServer(t)
	svc.Close()

	rec := doRequest(server, http.MethodPost, "/events", ScheduleEventRequest{Owner: "o", At: 10})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	server, _, _ := setupTestServer(t)
	server.httpServer.Addr = "127.0.0.1:0"

	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
