package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// DAEMON CONFIGURATION
// =============================================================================
//
// PRECEDENCE (lowest to highest):
//
//   Default()  ->  YAML file  ->  SECWHEEL_* environment  ->  Validate()
//
// A missing file is not an error; the daemon runs on defaults. A file that
// exists but does not parse is an error.
//
// =============================================================================

// Environment variables that override the file.
const (
	EnvWheelSlots        = "SECWHEEL_WHEEL_SLOTS"
	EnvWheelPollInterval = "SECWHEEL_WHEEL_POLL_INTERVAL"
	EnvHTTPAddr          = "SECWHEEL_HTTP_ADDR"
	EnvGRPCAddr          = "SECWHEEL_GRPC_ADDR"
	EnvGRPCEnabled       = "SECWHEEL_GRPC_ENABLED"
	EnvMetricsEnabled    = "SECWHEEL_METRICS_ENABLED"
	EnvLogLevel          = "SECWHEEL_LOG_LEVEL"
	EnvLogFormat         = "SECWHEEL_LOG_FORMAT"
	EnvAuthEnabled       = "SECWHEEL_AUTH_ENABLED"
	EnvAPIRootKey        = "SECWHEEL_API_ROOT_KEY"
	EnvTLSEnabled        = "SECWHEEL_TLS_ENABLED"
	EnvTLSCertFile       = "SECWHEEL_TLS_CERT_FILE"
	EnvTLSKeyFile        = "SECWHEEL_TLS_KEY_FILE"
	EnvTLSSelfSigned     = "SECWHEEL_TLS_SELF_SIGNED"
)

// Config is the top-level daemon configuration.
type Config struct {
	Wheel    WheelConfig    `yaml:"wheel"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Service  ServiceConfig  `yaml:"service"`
	Log      LogConfig      `yaml:"log"`
	Security SecurityConfig `yaml:"security"`
}

// WheelConfig sizes the timer wheel.
type WheelConfig struct {
	Slots        int           `yaml:"slots"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig configures the gRPC listener.
type GRPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Reflection bool   `yaml:"reflection"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Namespace        string `yaml:"namespace"`
	IncludeGoMetrics bool   `yaml:"include_go_metrics"`
}

// ServiceConfig configures the job service around the wheel.
type ServiceConfig struct {
	HistorySize      int           `yaml:"history_size"`
	WebhookWorkers   int           `yaml:"webhook_workers"`
	WebhookQueueSize int           `yaml:"webhook_queue_size"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
}

// LogConfig selects level and output format of the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig covers API keys and TLS for both listeners.
type SecurityConfig struct {
	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig lists the API keys accepted when auth is enabled.
type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Keys    []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig is one accepted key. Roles are admin, scheduler or readonly;
// Owners are optional glob patterns limiting which job owners the key may
// act for.
type APIKeyConfig struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Roles  []string `yaml:"roles"`
	Owners []string `yaml:"owners"`
}

// TLSConfig configures TLS on the HTTP and gRPC listeners.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth string `yaml:"client_auth"`
	MinVersion string `yaml:"min_version"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Default returns a configuration that runs out of the box.
func Default() Config {
	return Config{
		Wheel: WheelConfig{
			Slots:        60,
			PollInterval: 200 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Enabled:    true,
			Addr:       ":9000",
			Reflection: true,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			Namespace:        "secwheel",
			IncludeGoMetrics: true,
		},
		Service: ServiceConfig{
			HistorySize:      1000,
			WebhookWorkers:   4,
			WebhookQueueSize: 256,
			WebhookTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty and exists) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SECWHEEL_* variables. Malformed values are collected into
// a ValidationError rather than silently ignored.
func (c *Config) applyEnv() error {
	var errs []string

	if v, ok := lookupEnv(EnvWheelSlots); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not an integer: %q", EnvWheelSlots, v))
		} else {
			c.Wheel.Slots = n
		}
	}
	if v, ok := lookupEnv(EnvWheelPollInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not a duration: %q", EnvWheelPollInterval, v))
		} else {
			c.Wheel.PollInterval = d
		}
	}
	if v, ok := lookupEnv(EnvHTTPAddr); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookupEnv(EnvGRPCAddr); ok {
		c.GRPC.Addr = v
	}
	if v, ok := lookupEnv(EnvGRPCEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not a boolean: %q", EnvGRPCEnabled, v))
		} else {
			c.GRPC.Enabled = b
		}
	}
	if v, ok := lookupEnv(EnvMetricsEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not a boolean: %q", EnvMetricsEnabled, v))
		} else {
			c.Metrics.Enabled = b
		}
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookupEnv(EnvLogFormat); ok {
		c.Log.Format = v
	}
	for _, b := range []struct {
		env string
		dst *bool
	}{
		{EnvAuthEnabled, &c.Security.Auth.Enabled},
		{EnvTLSEnabled, &c.Security.TLS.Enabled},
		{EnvTLSSelfSigned, &c.Security.TLS.SelfSigned},
	} {
		if v, ok := lookupEnv(b.env); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: not a boolean: %q", b.env, v))
				continue
			}
			*b.dst = parsed
		}
	}
	if v, ok := lookupEnv(EnvAPIRootKey); ok {
		c.Security.Auth.Keys = append(c.Security.Auth.Keys, APIKeyConfig{
			Name:  "root",
			Key:   v,
			Roles: []string{"admin"},
		})
	}
	if v, ok := lookupEnv(EnvTLSCertFile); ok {
		c.Security.TLS.CertFile = v
	}
	if v, ok := lookupEnv(EnvTLSKeyFile); ok {
		c.Security.TLS.KeyFile = v
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// =============================================================================
// LOGGER
// =============================================================================

// ParseLevel maps a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the root logger described by cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
