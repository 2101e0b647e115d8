package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// PATTERN: ACCUMULATE ERRORS
//   Every problem is collected and returned together so the operator can fix
//   the whole file in one pass instead of one restart per mistake.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration for mistakes.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c Config) Validate() error {
	var errs []string

	errs = append(errs, validateWheel(c.Wheel)...)

	if err := validateAddress(c.HTTP.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("http.addr: invalid address %q: %v", c.HTTP.Addr, err))
	}
	if c.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Sprintf("http.shutdown_timeout: must be >= 0, got %v", c.HTTP.ShutdownTimeout))
	}

	if c.GRPC.Enabled {
		if err := validateAddress(c.GRPC.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("grpc.addr: invalid address %q: %v", c.GRPC.Addr, err))
		} else if c.GRPC.Addr == c.HTTP.Addr {
			errs = append(errs, fmt.Sprintf("grpc.addr: %q collides with http.addr", c.GRPC.Addr))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, "metrics.namespace: must not be empty when metrics are enabled")
	}

	errs = append(errs, validateService(c.Service)...)
	errs = append(errs, validateSecurity(c.Security)...)

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v (want debug, info, warn or error)", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q (want text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateWheel checks wheel sizing. A poll interval above one second means
// the sweeper can never keep up with the wall clock.
func validateWheel(cfg WheelConfig) []string {
	var errs []string

	if cfg.Slots <= 0 {
		errs = append(errs, fmt.Sprintf("wheel.slots: must be > 0, got %d", cfg.Slots))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("wheel.poll_interval: must be > 0, got %v", cfg.PollInterval))
	} else if cfg.PollInterval > time.Second {
		errs = append(errs, fmt.Sprintf("wheel.poll_interval: must be <= 1s, got %v", cfg.PollInterval))
	}

	return errs
}

func validateService(cfg ServiceConfig) []string {
	var errs []string

	if cfg.HistorySize <= 0 {
		errs = append(errs, fmt.Sprintf("service.history_size: must be > 0, got %d", cfg.HistorySize))
	}
	if cfg.WebhookWorkers <= 0 {
		errs = append(errs, fmt.Sprintf("service.webhook_workers: must be > 0, got %d", cfg.WebhookWorkers))
	}
	if cfg.WebhookQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("service.webhook_queue_size: must be > 0, got %d", cfg.WebhookQueueSize))
	}
	if cfg.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("service.webhook_timeout: must be > 0, got %v", cfg.WebhookTimeout))
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}

func validateSecurity(c SecurityConfig) []string {
	var errs []string

	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		errs = append(errs, "security.auth.keys: at least one key is required when auth is enabled")
	}
	for i, k := range c.Auth.Keys {
		if k.Key == "" {
			errs = append(errs, fmt.Sprintf("security.auth.keys[%d]: key must not be empty", i))
		}
		if len(k.Roles) == 0 {
			errs = append(errs, fmt.Sprintf("security.auth.keys[%d]: at least one role is required", i))
		}
		for _, role := range k.Roles {
			switch role {
			case "admin", "scheduler", "readonly":
			default:
				errs = append(errs, fmt.Sprintf("security.auth.keys[%d]: unknown role %q (want admin, scheduler or readonly)", i, role))
			}
		}
	}

	if c.TLS.Enabled {
		hasPair := c.TLS.CertFile != "" && c.TLS.KeyFile != ""
		if !hasPair && !c.TLS.SelfSigned {
			errs = append(errs, "security.tls: cert_file and key_file are required unless self_signed is set")
		}
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			errs = append(errs, "security.tls: cert_file and key_file must be set together")
		}
		switch c.TLS.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Sprintf("security.tls.min_version: unknown version %q (want 1.2 or 1.3)", c.TLS.MinVersion))
		}
	}
	return errs
}
