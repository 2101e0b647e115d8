package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics covers the HTTP and gRPC front ends.
//
// The route label is the chi route pattern (/events/{id}), never the raw
// path, to keep cardinality bounded.
type APIMetrics struct {
	registry *Registry

	// HTTPRequests counts HTTP requests.
	// Labels: method, route, code
	HTTPRequests *prometheus.CounterVec

	// HTTPLatency observes HTTP handler latency.
	// Labels: method, route
	HTTPLatency *prometheus.HistogramVec

	// GRPCRequests counts unary gRPC calls.
	// Labels: method, code
	GRPCRequests *prometheus.CounterVec

	// GRPCLatency observes unary gRPC handler latency.
	// Labels: method
	GRPCLatency *prometheus.HistogramVec
}

func newAPIMetrics(r *Registry) *APIMetrics {
	m := &APIMetrics{registry: r}

	m.HTTPRequests = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests, by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	m.HTTPLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route",
		},
		[]string{"method", "route"},
	)

	m.GRPCRequests = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "api",
			Name:      "grpc_requests_total",
			Help:      "Total number of unary gRPC calls, by method and status code",
		},
		[]string{"method", "code"},
	)

	m.GRPCLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "api",
			Name:      "grpc_request_duration_seconds",
			Help:      "Unary gRPC call latency, by method",
		},
		[]string{"method"},
	)

	return m
}

// RecordHTTP records one completed HTTP request.
func (m *APIMetrics) RecordHTTP(method, route string, code int, latency float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(latency)
}

// RecordGRPC records one completed unary gRPC call.
func (m *APIMetrics) RecordGRPC(method, code string, latency float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.GRPCRequests.WithLabelValues(method, code).Inc()
	m.GRPCLatency.WithLabelValues(method).Observe(latency)
}
