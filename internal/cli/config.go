// =============================================================================
// CLI CONFIGURATION - CONTEXTS FOR secwheel-cli
// =============================================================================
//
// secwheel-cli can talk to several daemons (local, staging, ...). Each one
// is a named context in ~/.secwheel/config.yaml:
//
//   current-context: local
//   contexts:
//     local:
//       server: http://localhost:8080
//     staging:
//       server: https://secwheel.staging.example.com
//       api-key: "staging-key"
//       timeout: 10
//
// PRECEDENCE (highest to lowest):
//   1. Flags (--server, --context, --api-key, --timeout)
//   2. Environment (SECWHEEL_SERVER, SECWHEEL_CONTEXT, SECWHEEL_API_KEY,
//      SECWHEEL_TIMEOUT)
//   3. The selected context in the config file
//   4. http://localhost:8080 with a 30s timeout
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultServer is used when nothing else names a daemon.
const DefaultServer = "http://localhost:8080"

// DefaultTimeout bounds each CLI request when nothing else sets one.
const DefaultTimeout = 30 * time.Second

// Environment variable names
const (
	EnvServer  = "SECWHEEL_SERVER"
	EnvContext = "SECWHEEL_CONTEXT"
	EnvAPIKey  = "SECWHEEL_API_KEY"
	EnvTimeout = "SECWHEEL_TIMEOUT"
)

// Config is the CLI configuration file.
type Config struct {
	CurrentContext string                    `yaml:"current-context"`
	Contexts       map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig describes one daemon.
type ContextConfig struct {
	// Server is the daemon's HTTP base URL.
	Server string `yaml:"server"`

	// APIKey is sent as X-API-Key when set.
	APIKey string `yaml:"api-key,omitempty"`

	// Timeout in seconds. Zero means DefaultTimeout.
	Timeout int `yaml:"timeout,omitempty"`
}

// =============================================================================
// PATHS
// =============================================================================

// DefaultConfigDir returns ~/.secwheel, or .secwheel when the home
// directory cannot be determined.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secwheel"
	}
	return filepath.Join(home, ".secwheel")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// DefaultConfig returns a config with a single "local" context.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {Server: DefaultServer, Timeout: int(DefaultTimeout / time.Second)},
		},
	}
}

// LoadConfigFromPath reads path. A missing file yields DefaultConfig.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}
	return &config, nil
}

// SaveToPath writes the config with owner-only permissions.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// CONTEXTS
// =============================================================================

// Context returns the named context.
func (c *Config) Context(name string) (*ContextConfig, error) {
	if name == "" {
		return nil, errors.New("no context selected")
	}
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext adds or replaces a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// DeleteContext removes a context, clearing the selection if it was current.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// UseContext selects an existing context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns context names in sorted order.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Settings is the effective connection setup for one CLI invocation.
type Settings struct {
	Server  string
	APIKey  string
	Timeout time.Duration
}

// Flags carries the connection flags given on the command line. Empty or
// zero fields are unset.
type Flags struct {
	Server  string
	Context string
	APIKey  string
	Timeout time.Duration
}

// Resolve applies flag > env > context file > default precedence.
func Resolve(flags Flags, config *Config) (Settings, error) {
	var selected *ContextConfig
	if config != nil {
		name := config.CurrentContext
		if env := os.Getenv(EnvContext); env != "" {
			name = env
		}
		if flags.Context != "" {
			name = flags.Context
		}
		ctx, err := config.Context(name)
		switch {
		case err == nil:
			selected = ctx
		case flags.Context != "" || os.Getenv(EnvContext) != "":
			// An explicitly requested context must exist.
			return Settings{}, err
		}
	}

	settings := Settings{Server: DefaultServer, Timeout: DefaultTimeout}
	if selected != nil {
		if selected.Server != "" {
			settings.Server = selected.Server
		}
		settings.APIKey = selected.APIKey
		if selected.Timeout > 0 {
			settings.Timeout = time.Duration(selected.Timeout) * time.Second
		}
	}

	if env := os.Getenv(EnvServer); env != "" {
		settings.Server = env
	}
	if env := os.Getenv(EnvAPIKey); env != "" {
		settings.APIKey = env
	}
	if env := os.Getenv(EnvTimeout); env != "" {
		d, err := parseTimeout(env)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		settings.Timeout = d
	}

	if flags.Server != "" {
		settings.Server = flags.Server
	}
	if flags.APIKey != "" {
		settings.APIKey = flags.APIKey
	}
	if flags.Timeout > 0 {
		settings.Timeout = flags.Timeout
	}

	return settings, nil
}

// parseTimeout accepts a Go duration ("10s") or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", s)
	}
	return d, nil
}
