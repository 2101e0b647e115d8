// =============================================================================
// SECWHEEL DAEMON ENTRY POINT
// =============================================================================
//
// Starts the job service on a timer wheel and exposes it over HTTP (always)
// and gRPC (unless disabled):
//
//   secwheel --config /etc/secwheel/config.yaml
//
// Configuration is layered: built-in defaults, then the YAML file, then
// SECWHEEL_* environment variables. See internal/config.
//
// SHUTDOWN ORDER:
//   1. readiness flips to failing (HTTP /readyz and gRPC health)
//   2. gRPC drains in-flight calls
//   3. HTTP drains within http.shutdown_timeout
//   4. the service closes: pending jobs are dropped, queued webhooks drain
//
// =============================================================================

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"secwheel/internal/api"
	"secwheel/internal/config"
	grpcapi "secwheel/internal/grpc"
	"secwheel/internal/metrics"
	"secwheel/internal/security"
	"secwheel/internal/service"
)

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "secwheel",
		Short:         "Second-granularity deferred job daemon",
		Version:       fmt.Sprintf("%s (commit %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := config.NewLogger(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			registry := metrics.Init(metricsConfig(cfg.Metrics))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, registry)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "f", "", "path to a YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "secwheel: %v\n", err)
		os.Exit(1)
	}
}

// metricsConfig maps daemon config onto the metrics registry.
func metricsConfig(cfg config.MetricsConfig) metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Enabled
	mc.Namespace = cfg.Namespace
	mc.IncludeGoCollector = cfg.IncludeGoMetrics
	mc.IncludeProcessCollector = cfg.IncludeGoMetrics
	return mc
}

// securityComponents builds the key manager and TLS config shared by both
// listeners. TLS is nil when disabled.
func securityComponents(cfg config.SecurityConfig, logger *slog.Logger) (*security.KeyManager, *tls.Config, error) {
	authConfig := security.AuthConfig{Enabled: cfg.Auth.Enabled}
	for _, k := range cfg.Auth.Keys {
		authConfig.Keys = append(authConfig.Keys, security.KeyConfig{
			Name:   k.Name,
			Key:    k.Key,
			Roles:  k.Roles,
			Owners: k.Owners,
		})
	}
	auth, err := security.NewKeyManager(authConfig, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid API keys: %w", err)
	}

	tlsConfig, err := security.TLSConfig{
		Enabled:    cfg.TLS.Enabled,
		CertFile:   cfg.TLS.CertFile,
		KeyFile:    cfg.TLS.KeyFile,
		CAFile:     cfg.TLS.CAFile,
		ClientAuth: cfg.TLS.ClientAuth,
		MinVersion: cfg.TLS.MinVersion,
		SelfSigned: cfg.TLS.SelfSigned,
	}.ServerTLS()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if cfg.TLS.SelfSigned && cfg.TLS.CertFile == "" {
		logger.Warn("using a self-signed certificate, not for production")
	}
	return auth, tlsConfig, nil
}

// =============================================================================
// DAEMON
// =============================================================================

type daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	service *service.Service
	http    *api.Server
	grpc    *grpcapi.Server

	grpcErr chan error
}

// newDaemon wires the service and both front ends without listening.
func newDaemon(cfg config.Config, logger *slog.Logger, registry *metrics.Registry) (*daemon, error) {
	auth, tlsConfig, err := securityComponents(cfg.Security, logger)
	if err != nil {
		return nil, err
	}

	serviceConfig := service.DefaultConfig()
	serviceConfig.Wheel.Slots = cfg.Wheel.Slots
	serviceConfig.Wheel.PollInterval = cfg.Wheel.PollInterval
	serviceConfig.Wheel.Logger = logger
	serviceConfig.HistorySize = cfg.Service.HistorySize
	serviceConfig.WebhookWorkers = cfg.Service.WebhookWorkers
	serviceConfig.WebhookQueueSize = cfg.Service.WebhookQueueSize
	serviceConfig.WebhookTimeout = cfg.Service.WebhookTimeout
	serviceConfig.Logger = logger

	var exposed *metrics.Registry
	if registry != nil && registry.Enabled() {
		serviceConfig.Wheel.Observer = registry.Wheel
		serviceConfig.Metrics = registry.Service
		exposed = registry
	}

	svc, err := service.New(serviceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start service: %w", err)
	}

	httpConfig := api.DefaultServerConfig()
	httpConfig.Addr = cfg.HTTP.Addr
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.Logger = logger
	httpConfig.Metrics = exposed
	httpConfig.Auth = auth
	httpConfig.TLS = tlsConfig

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		http:    api.NewServer(svc, httpConfig),
		grpcErr: make(chan error, 1),
	}

	if cfg.GRPC.Enabled {
		grpcConfig := grpcapi.DefaultServerConfig()
		grpcConfig.Address = cfg.GRPC.Addr
		grpcConfig.EnableReflection = cfg.GRPC.Reflection
		grpcConfig.Logger = logger
		grpcConfig.Metrics = exposed
		grpcConfig.Auth = auth
		grpcConfig.TLS = tlsConfig
		d.grpc = grpcapi.NewServer(svc, grpcConfig)
	}

	return d, nil
}

// start binds the listeners and marks the daemon ready.
func (d *daemon) start() error {
	if err := d.http.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if d.grpc != nil {
		go func() {
			d.grpcErr <- d.grpc.Start()
		}()
		d.grpc.SetServing(true)
	}

	d.http.Health().SetReady(true)
	d.logger.Info("secwheel ready",
		"version", Version,
		"http", d.http.Addr(),
		"grpc_enabled", d.grpc != nil,
		"tls", d.cfg.Security.TLS.Enabled,
		"auth", d.cfg.Security.Auth.Enabled,
		"slots", d.cfg.Wheel.Slots,
		"poll_interval", d.cfg.Wheel.PollInterval)
	return nil
}

// shutdown stops the front ends, then the service.
func (d *daemon) shutdown(ctx context.Context) error {
	d.http.Health().SetReady(false)

	if d.grpc != nil {
		d.grpc.Stop()
		d.logger.Info("gRPC server stopped")
	}

	var errs []error
	if err := d.http.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	stats := d.service.Stats()
	if err := d.service.Close(); err != nil {
		errs = append(errs, fmt.Errorf("service close: %w", err))
	}
	d.logger.Info("shutdown complete",
		"fired", stats.Wheel.Fired,
		"discarded_pending", stats.Wheel.Pending)

	return errors.Join(errs...)
}

// run starts the daemon and blocks until ctx is done or a listener fails.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, registry *metrics.Registry) error {
	d, err := newDaemon(cfg, logger, registry)
	if err != nil {
		return err
	}

	if err := d.start(); err != nil {
		d.service.Close()
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-d.grpcErr:
		serveErr = fmt.Errorf("gRPC server failed: %w", err)
		logger.Error("gRPC server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, d.shutdown(shutdownCtx))
}
