// =============================================================================
// gRPC SERVER - SCHEDULING API FOR SECWHEEL
// =============================================================================
//
// The gRPC front end mirrors the HTTP API's scheduling operations for
// clients that prefer a typed transport. It serves:
//
//   secwheel.v1.Scheduler   Schedule, Cancel, Stats, Lag, TrackedTime
//   grpc.health.v1.Health   standard health checking protocol
//   reflection              for grpcurl/grpcui, when enabled
//
// PORT CONFIGURATION:
//   - HTTP API: :8080
//   - gRPC API: :9000
//
// EXECUTION ORDER (ChainUnaryInterceptor):
//   Request  -> Metrics -> Logging -> Auth -> Recovery -> Handler
//   Response <- Metrics <- Logging <- Auth <- Recovery <- Handler
//
// AUTH:
//   With a KeyManager enabled, Scheduler RPCs need an API key in the
//   "x-api-key" metadata (or "authorization: Bearer <key>"). Health and
//   reflection stay open.
//
// =============================================================================

package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"secwheel/internal/metrics"
	"secwheel/internal/security"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000")
	Address string

	// MaxRecvMsgSize is the max message size in bytes (default: 4MB)
	MaxRecvMsgSize int

	// MaxSendMsgSize is the max message size in bytes (default: 4MB)
	MaxSendMsgSize int

	// MaxConcurrentStreams per connection (default: 100)
	MaxConcurrentStreams uint32

	// Keepalive settings
	KeepaliveTime    time.Duration // How often to ping if no activity
	KeepaliveTimeout time.Duration // How long to wait for ping response

	// EnableReflection enables gRPC reflection for debugging tools
	EnableReflection bool

	Logger *slog.Logger

	// Metrics, when set, records per-method call counts and latency.
	Metrics *metrics.Registry

	// Auth, when enabled, requires API keys on Scheduler RPCs.
	Auth *security.KeyManager

	// TLS, when set, serves gRPC over TLS.
	TLS *tls.Config
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:              ":9000",
		MaxRecvMsgSize:       4 * 1024 * 1024, // 4MB
		MaxSendMsgSize:       4 * 1024 * 1024, // 4MB
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		EnableReflection:     true,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server for secwheel.
type Server struct {
	config     ServerConfig
	scheduler  Scheduler
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	// mu protects server state
	mu       sync.RWMutex
	running  bool
	listener net.Listener
}

// NewServer creates a new gRPC server. It does not listen until Start or
// Serve is called.
func NewServer(scheduler Scheduler, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	var apiMetrics *metrics.APIMetrics
	if config.Metrics != nil {
		apiMetrics = config.Metrics.API
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),

		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),

		grpc.ChainUnaryInterceptor(
			unaryMetricsInterceptor(apiMetrics),
			unaryLoggingInterceptor(logger),
			unaryAuthInterceptor(config.Auth),
			unaryRecoveryInterceptor(logger),
		),
	}
	if config.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLS)))
	}

	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		config:     config,
		scheduler:  scheduler,
		grpcServer: grpcServer,
		health:     health.NewServer(),
		logger:     logger,
	}

	s.registerServices()

	if config.EnableReflection {
		reflection.Register(grpcServer)
	}

	return s
}

// registerServices registers all gRPC service implementations.
func (s *Server) registerServices() {
	RegisterSchedulerServer(s.grpcServer, NewSchedulerServer(s.scheduler, s.logger))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	// NOT_SERVING until the daemon marks the server ready.
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(SchedulerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// SetServing flips the health status of the overall server and the
// Scheduler service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(SchedulerServiceName, st)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start begins listening for gRPC connections.
//
// This method blocks until the server is stopped. Typically called in a goroutine:
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on an existing listener. It blocks until the
// server is stopped.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server already running")
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
		"tls", s.config.TLS != nil,
		"auth", s.config.Auth.Enabled(),
	)

	return s.grpcServer.Serve(listener)
}

// Stop marks the server NOT_SERVING and waits for in-flight RPCs to finish.
// A Serve that has not started yet returns immediately once called.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping...")

	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.logger.Info("gRPC server stopped")
}

// Address returns the address the server is listening on.
// Useful when using port 0 for dynamic port assignment.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// INTERCEPTORS (MIDDLEWARE)
// =============================================================================

// unaryMetricsInterceptor records call counts by status code and latency.
// A nil metrics set records nothing.
func unaryMetricsInterceptor(m *metrics.APIMetrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordGRPC(info.FullMethod, status.Code(err).String(), time.Since(start).Seconds())
		return resp, err
	}
}

// unaryLoggingInterceptor logs unary RPC calls.
func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
			if status.Code(err) == codes.Internal {
				level = slog.LevelError
			}
		}

		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", duration.Milliseconds(),
			"code", status.Code(err).String(),
			"error", err,
		)

		return resp, err
	}
}

// methodPermissions maps Scheduler RPCs to the permission they need.
// Methods not listed (health, reflection) are public.
var methodPermissions = map[string]security.Permission{
	"/" + SchedulerServiceName + "/Schedule":    security.PermJobsWrite,
	"/" + SchedulerServiceName + "/Cancel":      security.PermJobsWrite,
	"/" + SchedulerServiceName + "/Stats":       security.PermJobsRead,
	"/" + SchedulerServiceName + "/Lag":         security.PermJobsRead,
	"/" + SchedulerServiceName + "/TrackedTime": security.PermJobsRead,
}

// unaryAuthInterceptor validates the caller's API key and permission, and
// stores the key in the context for owner checks. A nil or disabled
// manager lets everything through.
func unaryAuthInterceptor(auth *security.KeyManager) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		perm, guarded := methodPermissions[info.FullMethod]
		if !auth.Enabled() || !guarded {
			return handler(ctx, req)
		}

		key, err := auth.ValidateKey(apiKeyFromMetadata(ctx))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		ctx = security.WithAPIKey(ctx, key)
		if err := security.Authorize(ctx, perm); err != nil {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		return handler(ctx, req)
	}
}

func apiKeyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("x-api-key"); len(v) > 0 {
		return v[0]
	}
	for _, v := range md.Get("authorization") {
		if strings.HasPrefix(v, "Bearer ") {
			return strings.TrimPrefix(v, "Bearer ")
		}
	}
	return ""
}

// unaryRecoveryInterceptor catches panics and converts them to errors.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}
