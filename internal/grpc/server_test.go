// =============================================================================
// GRPC SERVER TESTS
// =============================================================================
//
// These tests start a real server on a random loopback port and talk to it
// through a real client connection, so interceptors, the hand-written
// service descriptor and the codec are all exercised.
//
// =============================================================================

package grpc

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"secwheel/internal/metrics"
	"secwheel/internal/service"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	svc     *service.Service
	mock    *clock.Mock
	server  *Server
	conn    *grpc.ClientConn
	client  *SchedulerClient
	metrics *metrics.Registry
}

func setupTestServer(t *testing.T) *testServer {
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

	registryConfig := metrics.DefaultConfig()
	registryConfig.IncludeGoCollector = false
	registryConfig.IncludeProcessCollector = false
	registry := metrics.NewRegistry(registryConfig)

	serverConfig := DefaultServerConfig()
	serverConfig.Logger = logger
	serverConfig.Metrics = registry
	server := NewServer(svc, serverConfig)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	conn, err := grpc.NewClient(listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		server.Stop()
		<-errCh
		svc.Close()
	})

	return &testServer{
		svc:     svc,
		mock:    mock,
		server:  server,
		conn:    conn,
		client:  NewSchedulerClient(conn),
		metrics: registry,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustStruct(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

// =============================================================================
// SCHEDULER SERVICE TESTS
// =============================================================================

func TestSchedule(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)

	resp, err := ts.client.Schedule(ctx, mustStruct(t, map[string]interface{}{
		"owner": "alice",
		"arg":   "report",
		"at":    42,
	}))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	fields := resp.GetFields()
	if fields["id"].GetStringValue() == "" {
		t.Error("expected a job id")
	}
	if fields["expiry"].GetNumberValue() != 42 {
		t.Errorf("expiry = %v, want 42", fields["expiry"].GetNumberValue())
	}

	job, err := ts.svc.Get(fields["id"].GetStringValue())
	if err != nil {
		t.Fatalf("job not found in service: %v", err)
	}
	if job.Owner != "alice" || job.Arg != "report" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestSchedule_DelaySeconds(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := ts.client.Schedule(testContext(t), mustStruct(t, map[string]interface{}{
		"owner":         "o",
		"delay_seconds": 90,
	}))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got := resp.GetFields()["expiry"].GetNumberValue(); got != 90 {
		t.Errorf("expiry = %v, want 90", got)
	}
}

func TestSchedule_InvalidArgument(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"missing owner", map[string]interface{}{"at": 10}},
		{"nothing set", map[string]interface{}{"owner": "o"}},
		{"owner not string", map[string]interface{}{"owner": 5, "at": 10}},
		{"fractional at", map[string]interface{}{"owner": "o", "at": 1.5}},
		{"bad cron", map[string]interface{}{"owner": "o", "cron": "* *"}},
		{"at NaN", map[string]interface{}{"owner": "o", "at": math.NaN()}},
		{"at +Inf", map[string]interface{}{"owner": "o", "at": math.Inf(1)}},
		{"at beyond int64", map[string]interface{}{"owner": "o", "at": 1e19}},
		{"delay -Inf", map[string]interface{}{"owner": "o", "delay_seconds": math.Inf(-1)}},
		{"delay NaN", map[string]interface{}{"owner": "o", "delay_seconds": math.NaN()}},
		{"delay beyond Duration", map[string]interface{}{"owner": "o", "delay_seconds": 1e10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.client.Schedule(testContext(t), mustStruct(t, tt.fields))
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)

	job, err := ts.svc.Schedule(service.ScheduleRequest{Owner: "o", At: 100})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	resp, err := ts.client.Cancel(ctx, wrapperspb.String(job.ID))
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !resp.GetValue() {
		t.Error("expected true")
	}

	_, err = ts.client.Cancel(ctx, wrapperspb.String(job.ID))
	if status.Code(err) != codes.NotFound {
		t.Errorf("second cancel: expected NotFound, got %v", err)
	}

	_, err = ts.client.Cancel(ctx, wrapperspb.String(""))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty id: expected InvalidArgument, got %v", err)
	}
}

func TestStatsLagTrackedTime(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)

	if _, err := ts.svc.Schedule(service.ScheduleRequest{Owner: "o", At: 100}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	stats, err := ts.client.Stats(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if got := stats.GetFields()["pending"].GetNumberValue(); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := stats.GetFields()["slots"].GetNumberValue(); got != 60 {
		t.Errorf("slots = %v, want 60", got)
	}

	lag, err := ts.client.Lag(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Lag failed: %v", err)
	}
	if lag.AsDuration() < 0 {
		t.Errorf("negative lag %v", lag.AsDuration())
	}

	tracked, err := ts.client.TrackedTime(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("TrackedTime failed: %v", err)
	}
	if got := tracked.AsTime().Unix(); got != ts.svc.TrackedTime().Unix() {
		t.Errorf("tracked = %d, want %d", got, ts.svc.TrackedTime().Unix())
	}
}

func TestClosedServiceIsUnavailable(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)
	ts.svc.Close()

	_, err := ts.client.Schedule(ctx, mustStruct(t, map[string]interface{}{"owner": "o", "at": 10}))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("Schedule: expected Unavailable, got %v", err)
	}

	_, err = ts.client.TrackedTime(ctx, &emptypb.Empty{})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("TrackedTime: expected Unavailable, got %v", err)
	}
}

// =============================================================================
// HEALTH, METRICS, INTERCEPTORS
// =============================================================================

func TestHealthService(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)
	health := healthpb.NewHealthClient(ts.conn)

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerServiceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before ready: got %v", resp.GetStatus())
	}

	ts.server.SetServing(true)
	resp, err = health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after ready: got %v", resp.GetStatus())
	}
}

func TestMetricsInterceptor(t *testing.T) {
	ts := setupTestServer(t)
	ctx := testContext(t)

	ts.client.Lag(ctx, &emptypb.Empty{})
	ts.client.Cancel(ctx, wrapperspb.String("missing"))

	method := "/" + SchedulerServiceName + "/"
	if got := testutil.ToFloat64(ts.metrics.API.GRPCRequests.WithLabelValues(method+"Lag", "OK")); got != 1 {
		t.Errorf("Lag OK count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.API.GRPCRequests.WithLabelValues(method+"Cancel", "NotFound")); got != 1 {
		t.Errorf("Cancel NotFound count = %v, want 1", got)
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	interceptor := unaryRecoveryInterceptor(logger)

	_, err := interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/test/Panic"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			panic("boom")
		})
	if status.Code(err) != codes.Internal {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestServer_Address(t *testing.T) {
	ts := setupTestServer(t)

	// Serve has bound the listener once a call succeeds.
	if _, err := ts.client.Lag(testContext(t), &emptypb.Empty{}); err != nil {
		t.Fatalf("Lag failed: %v", err)
	}
	if !strings.HasPrefix(ts.server.Address(), "127.0.0.1:") {
		t.Errorf("unexpected address %q", ts.server.Address())
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{service.ErrInvalidRequest, codes.InvalidArgument},
		{service.ErrJobNotFound, codes.NotFound},
		{service.ErrServiceClosed, codes.Unavailable},
		{io.EOF, codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
