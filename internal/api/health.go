// =============================================================================
// KUBERNETES-READY HEALTH CHECK ENDPOINTS
// =============================================================================
//
//   /health    always 200 while the process serves HTTP
//   /healthz   liveness: 503 only if the process marked itself dead
//   /readyz    readiness: 503 until the daemon finishes startup, during
//              shutdown, or once the service is closed
//
// A lagging wheel is reported as "warn" in the verbose readiness checks but
// does not fail readiness: pulling the pod would not make it catch up faster.
//
// =============================================================================

package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// HEALTH CHECK STATE
// =============================================================================

// HealthState tracks liveness and readiness for probes.
type HealthState struct {
	ready     atomic.Bool
	live      atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck is a function that checks a specific component's health.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult contains the result of a health check.
type HealthCheckResult struct {
	Status  string `json:"status"`            // "pass", "warn", "fail"
	Message string `json:"message,omitempty"` // Human-readable message
	Latency string `json:"latency,omitempty"` // Time taken for check
}

// NewHealthState creates a live, not-yet-ready health state.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthState) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetLive marks the server as alive.
func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

// AddCheck registers a named health check.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// IsReady returns whether the server is ready for traffic.
func (h *HealthState) IsReady() bool {
	return h.ready.Load()
}

// IsLive returns whether the server is alive.
func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

// Uptime returns how long the server has been running.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// run executes all registered checks.
func (h *HealthState) run(ctx context.Context) map[string]HealthCheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]HealthCheckResult, len(h.checks))
	for name, check := range h.checks {
		start := time.Now()
		result := check(ctx)
		result.Latency = time.Since(start).String()
		results[name] = result
	}
	return results
}

// =============================================================================
// HEALTH CHECK HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthz handles GET /healthz - Kubernetes liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsLive() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    s.health.Uptime().String(),
			"message":   "server is not alive",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

// handleReadyz handles GET /readyz - Kubernetes readiness probe.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	message := ""
	switch {
	case !s.health.IsReady():
		message = "server is not ready"
	case s.scheduler == nil:
		message = "scheduler not initialized"
	case s.scheduler.Closed():
		message = "scheduler is closed"
	}

	if message != "" {
		resp := map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   message,
		}
		if verbose {
			resp["checks"] = s.health.run(r.Context())
		}
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp := map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	}

	if verbose {
		resp["checks"] = s.health.run(r.Context())
		stats := s.scheduler.Stats()
		resp["wheel"] = map[string]interface{}{
			"pending":        stats.Wheel.Pending,
			"tracked_second": stats.Wheel.TrackedSecond,
			"lag_seconds":    stats.Wheel.Lag,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// checkWheel reports the sweeper's lag against the wall clock.
func (s *Server) checkWheel(maxLag int64) HealthCheck {
	return func(ctx context.Context) HealthCheckResult {
		if s.scheduler == nil || s.scheduler.Closed() {
			return HealthCheckResult{Status: "fail", Message: "wheel is closed"}
		}
		lag := s.scheduler.Stats().Wheel.Lag
		if maxLag > 0 && lag > maxLag {
			return HealthCheckResult{
				Status:  "warn",
				Message: fmt.Sprintf("wheel lags %ds behind wall clock", lag),
			}
		}
		return HealthCheckResult{Status: "pass"}
	}
}

// =============================================================================
// STATS
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":             s.health.Uptime().String(),
		"wheel":              stats.Wheel,
		"active_jobs":        stats.ActiveJobs,
		"recurring_jobs":     stats.RecurringJobs,
		"history_size":       stats.HistorySize,
		"webhooks_delivered": stats.WebhooksDelivered,
		"webhooks_failed":    stats.WebhooksFailed,
		"webhooks_dropped":   stats.WebhooksDropped,
		"reschedule_errors":  stats.RescheduleErrors,
	})
}
