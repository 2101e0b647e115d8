// =============================================================================
// HTTP API SERVER - REST INTERFACE FOR SECWHEEL
// =============================================================================
//
// ENDPOINT OVERVIEW:
//
//   EVENTS
//   POST   /events              Schedule a job (at, delay or cron)
//   GET    /events              List pending jobs
//   GET    /events/{id}         Get a pending job
//   DELETE /events/{id}         Cancel a pending job
//   GET    /fired?limit=N       Recently fired jobs, newest first
//
//   ADMIN
//   GET    /health              Health check
//   GET    /healthz             Liveness probe
//   GET    /readyz              Readiness probe (?verbose=true for checks)
//   GET    /stats               Wheel and service statistics
//   GET    /metrics             Prometheus exposition (when enabled)
//
//   KEYS (auth enabled, admin role)
//   POST   /admin/keys          Generate an API key
//   GET    /admin/keys          List API keys
//   DELETE /admin/keys/{id}     Revoke an API key
//
// ERRORS:
//   Every error body is {"error": "...", "status": N}.
//   400 validation, 401 missing or bad API key, 403 permission or owner
//   scope, 404 unknown job, 503 service closed.
//
// AUTH:
//   With a KeyManager configured, /events and /fired and /stats need an
//   API key (X-API-Key or Authorization: Bearer). Reads need jobs:read,
//   schedule and cancel need jobs:write and an owner the key may act for.
//   /admin/keys needs keys:admin.
//
// =============================================================================

package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"secwheel/internal/metrics"
	"secwheel/internal/security"
	"secwheel/internal/service"
)

// =============================================================================
// API SERVER
// =============================================================================

// Scheduler is the job service behind the API.
type Scheduler interface {
	Schedule(req service.ScheduleRequest) (service.Job, error)
	Cancel(id string) error
	Get(id string) (service.Job, error)
	List() []service.Job
	Fired(limit int) []service.FiredRecord
	Stats() service.Stats
	Closed() bool
}

// Server is the HTTP API server for secwheel.
type Server struct {
	scheduler  Scheduler
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	metrics    *metrics.Registry
	health     *HealthState
	auth       *security.KeyManager

	mu       sync.Mutex
	listener net.Listener
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxLag is the wheel lag in seconds above which readiness reports warn.
	MaxLag int64

	Logger *slog.Logger

	// Metrics, when set, serves /metrics and records request metrics.
	Metrics *metrics.Registry

	// Auth, when enabled, requires API keys on the job endpoints.
	Auth *security.KeyManager

	// TLS, when set, serves HTTPS.
	TLS *tls.Config
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxLag:       2,
	}
}

// NewServer creates a new API server.
func NewServer(scheduler Scheduler, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := chi.NewRouter()

	s := &Server{
		scheduler: scheduler,
		router:    r,
		logger:    logger,
		metrics:   config.Metrics,
		health:    NewHealthState(),
		auth:      config.Auth,
	}
	s.health.AddCheck("wheel", s.checkWheel(config.MaxLag))

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.auth.Enabled() {
		r.Use(s.auth.Middleware)
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		TLSConfig:    config.TLS,
	}

	return s
}

// registerRoutes sets up all API endpoints using chi router.
func (s *Server) registerRoutes() {
	// Health & Stats
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.With(s.require(security.PermJobsRead)).Get("/stats", s.handleStats)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	read := s.require(security.PermJobsRead)
	write := s.require(security.PermJobsWrite)

	// Events
	s.router.Route("/events", func(r chi.Router) {
		r.With(write).Post("/", s.scheduleEvent)
		r.With(read).Get("/", s.listEvents)

		r.Route("/{id}", func(r chi.Router) {
			r.With(read).Get("/", s.getEvent)
			r.With(write).Delete("/", s.cancelEvent)
		})
	})

	s.router.With(read).Get("/fired", s.listFired)

	if s.auth.Enabled() {
		s.registerKeyRoutes()
	}
}

// require gates a route on perm when auth is enabled.
func (s *Server) require(perm security.Permission) func(http.Handler) http.Handler {
	if !s.auth.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.RequirePermission(perm)
}

// Health returns the probe state so the daemon can flip readiness.
func (s *Server) Health() *HealthState {
	return s.health
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggingMiddleware logs all HTTP requests and records request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.API.RecordHTTP(r.Method, route, wrapped.status, elapsed.Seconds())
		}

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", wrapped.status,
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listener and serves in the background. A bind failure is
// returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting HTTP API server",
		"addr", ln.Addr().String(),
		"tls", s.httpServer.TLSConfig != nil,
		"auth", s.auth.Enabled())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

// serviceError maps service sentinels to HTTP status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, security.ErrPermissionDenied):
		s.errorResponse(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrServiceClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("unexpected service error", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
