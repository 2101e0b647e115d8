// =============================================================================
// PROMETHEUS METRICS - CORE INFRASTRUCTURE
// =============================================================================
//
// Every secwheel metric lives in one private prometheus.Registry wrapped by
// Registry. Subsystems group related series:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                          REGISTRY                                       │
//   │                                                                         │
//   │   Wheel     secwheel_wheel_*     scheduled/fired/lag (wheel.Observer)   │
//   │   Service   secwheel_service_*   jobs, cron reschedules, webhooks       │
//   │   API       secwheel_api_*       HTTP and gRPC requests                 │
//   │                                                                         │
//   │   + go_* / process_* collectors (optional)                              │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// NAMING:
//   {namespace}_{subsystem}_{name}_{unit}
//   e.g. secwheel_wheel_fire_lateness_seconds
//
// LABELS:
//   Only bounded label sets (status, kind, route, method). Never job IDs or
//   owners: every distinct value is a new time series.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// METRICS REGISTRY
// =============================================================================

// Registry holds all secwheel metrics and the Prometheus registry.
type Registry struct {
	// promRegistry is the underlying Prometheus registry
	promRegistry *prometheus.Registry

	config  Config
	logger  *slog.Logger
	enabled bool

	// Subsystem metrics; nil when metrics are disabled
	Wheel   *WheelMetrics
	Service *ServiceMetrics
	API     *APIMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off.
	// When disabled, all metric operations are no-ops.
	Enabled bool

	// Namespace is the prefix for all metrics (default: "secwheel")
	Namespace string

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory)
	IncludeGoCollector bool

	// IncludeProcessCollector adds process metrics (CPU, memory, fds)
	IncludeProcessCollector bool

	// LatencyBuckets for request latencies (seconds)
	LatencyBuckets []float64

	// LatenessBuckets for fire lateness (seconds). A healthy wheel fires
	// within one poll interval after the expiry second starts; anything
	// past a couple of seconds means the sweeper is catching up.
	LatenessBuckets []float64
}

// DefaultConfig returns sensible defaults for metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "secwheel",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		LatencyBuckets: []float64{
			0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5,
		},
		LatenessBuckets: []float64{
			0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 5, 10, 30, 60,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================
//
// The daemon initializes one global registry at startup; tests build isolated
// registries with NewRegistry so series never leak between cases.
//
// =============================================================================

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init initializes the global metrics registry with the given config.
// Only the first call has any effect.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the global metrics registry, or nil if Init was not called.
func Get() *Registry {
	return globalRegistry
}

// =============================================================================
// REGISTRY CREATION
// =============================================================================

// NewRegistry creates a new metrics registry.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	if config.LatencyBuckets == nil {
		config.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	if config.LatenessBuckets == nil {
		config.LatenessBuckets = DefaultConfig().LatenessBuckets
	}

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Wheel = newWheelMetrics(r)
	r.Service = newServiceMetrics(r)
	r.API = newAPIMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)

	return r
}

// =============================================================================
// HTTP HANDLER
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to the Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

// Enabled returns true if metrics collection is enabled.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
}

// newHistogram registers a histogram; nil Buckets fall back to LatencyBuckets.
func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.LatencyBuckets
	}
	histogram := prometheus.NewHistogram(opts)
	r.promRegistry.MustRegister(histogram)
	return histogram
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.LatencyBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}
