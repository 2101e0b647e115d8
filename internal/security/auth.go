// =============================================================================
// API KEY AUTHENTICATION - ACCESS CONTROL FOR THE SCHEDULING APIS
// =============================================================================
//
// FLOW:
//   Client ──[X-API-Key: sw_abc123]──► HTTP / gRPC ──[validate]──► Grant/Deny
//
// Keys are configured (or generated) up front. Only the SHA-256 hash of each
// key is kept in memory; the raw key is never stored.
//
// ROLES:
//   admin      everything, including keys:admin (GET/POST/DELETE /admin/keys)
//   scheduler  jobs:read, jobs:write
//   readonly   jobs:read
//
// Health, readiness and metrics endpoints stay open so probes and scrapers
// need no key.
//
// =============================================================================

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoAPIKey is returned when no API key is provided
	ErrNoAPIKey = errors.New("no API key provided")

	// ErrInvalidAPIKey is returned when the API key is unknown
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the API key has expired
	ErrAPIKeyExpired = errors.New("API key has expired")

	// ErrAPIKeyRevoked is returned when the API key has been revoked
	ErrAPIKeyRevoked = errors.New("API key has been revoked")

	// ErrPermissionDenied is returned when the key lacks a permission or
	// may not act for an owner
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownRole is returned when a key is configured with a role that
	// does not exist
	ErrUnknownRole = errors.New("unknown role")

	// ErrInvalidOwnerPattern is returned for an empty or malformed owner glob
	ErrInvalidOwnerPattern = errors.New("invalid owner pattern")

	// ErrKeyNotFound is returned when no key has the given ID
	ErrKeyNotFound = errors.New("API key not found")
)

// =============================================================================
// ROLES AND PERMISSIONS
// =============================================================================

// Built-in roles
const (
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
	RoleReadonly  = "readonly"
)

// Permission is a single action on the job service.
type Permission string

const (
	// PermJobsRead covers listing jobs, fired history and stats.
	PermJobsRead Permission = "jobs:read"

	// PermJobsWrite covers scheduling and cancelling jobs.
	PermJobsWrite Permission = "jobs:write"

	// PermKeysAdmin covers creating, listing and revoking API keys. Only
	// admin holds it.
	PermKeysAdmin Permission = "keys:admin"

	// PermAdminAll grants everything.
	PermAdminAll Permission = "admin:*"
)

// RolePermissions maps roles to their permissions.
var RolePermissions = map[string][]Permission{
	RoleAdmin:     {PermAdminAll},
	RoleScheduler: {PermJobsRead, PermJobsWrite},
	RoleReadonly:  {PermJobsRead},
}

// =============================================================================
// API KEY
// =============================================================================

// APIKey is a registered key and what it may do.
type APIKey struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// KeyHash is the SHA-256 of the raw key.
	KeyHash string `json:"-"`

	// Prefix is the first characters of the raw key, for identification.
	Prefix string `json:"prefix"`

	Roles []string `json:"roles"`

	// Owners limits which job owners the key may act for. Entries are glob
	// patterns; empty means any owner.
	Owners []string `json:"owners,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// IsExpired reports whether the key is past its expiry.
func (k *APIKey) IsExpired() bool {
	return !k.ExpiresAt.IsZero() && time.Now().After(k.ExpiresAt)
}

// HasRole reports whether the key carries role. Admin carries every role.
func (k *APIKey) HasRole(role string) bool {
	for _, r := range k.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasPermission reports whether any of the key's roles grants perm.
func (k *APIKey) HasPermission(perm Permission) bool {
	for _, role := range k.Roles {
		for _, p := range RolePermissions[role] {
			if p == PermAdminAll || p == perm {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// KEY MANAGER
// =============================================================================

// KeyConfig describes one preconfigured key.
type KeyConfig struct {
	Name   string
	Key    string
	Roles  []string
	Owners []string
}

// AuthConfig configures the key manager.
type AuthConfig struct {
	// Enabled turns on API key checks. When false every request passes.
	Enabled bool

	Keys []KeyConfig
}

// KeyManager validates API keys and guards the HTTP and gRPC surfaces.
type KeyManager struct {
	enabled bool
	logger  *slog.Logger

	mu       sync.RWMutex
	keys     map[string]*APIKey // by hash
	keysByID map[string]*APIKey
}

// NewKeyManager registers the configured keys. A key with an empty secret or
// an unknown role is an error.
func NewKeyManager(config AuthConfig, logger *slog.Logger) (*KeyManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &KeyManager{
		enabled:  config.Enabled,
		logger:   logger.With("component", "auth"),
		keys:     make(map[string]*APIKey),
		keysByID: make(map[string]*APIKey),
	}

	for _, kc := range config.Keys {
		if _, err := m.addKey(kc.Name, kc.Key, kc.Roles, kc.Owners, time.Time{}); err != nil {
			return nil, fmt.Errorf("key %q: %w", kc.Name, err)
		}
	}
	if m.enabled {
		m.logger.Info("API key authentication enabled", "keys", len(config.Keys))
	}
	return m, nil
}

// Enabled reports whether requests must carry a key. A nil manager is
// disabled.
func (m *KeyManager) Enabled() bool {
	return m != nil && m.enabled
}

// AddKey registers an existing raw key.
func (m *KeyManager) AddKey(name, rawKey string, roles, owners []string) (*APIKey, error) {
	return m.addKey(name, rawKey, roles, owners, time.Time{})
}

func (m *KeyManager) addKey(name, rawKey string, roles, owners []string, expiresAt time.Time) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrUnknownRole)
	}
	for _, role := range roles {
		if _, ok := RolePermissions[role]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
	}
	for _, pattern := range owners {
		if err := validatePattern(pattern); err != nil {
			return nil, err
		}
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hashKey(rawKey),
		Prefix:    rawKey[:min(8, len(rawKey))],
		Roles:     append([]string(nil), roles...),
		Owners:    append([]string(nil), owners...),
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	m.mu.Lock()
	m.keys[key.KeyHash] = key
	m.keysByID[key.ID] = key
	m.mu.Unlock()
	return key, nil
}

// GenerateKey creates and registers a fresh random key. The raw key is
// returned once and cannot be recovered later.
func (m *KeyManager) GenerateKey(name string, roles, owners []string, expiry time.Duration) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	rawKey := "sw_" + hex.EncodeToString(b)

	var expiresAt time.Time
	if expiry > 0 {
		expiresAt = time.Now().Add(expiry)
	}
	key, err := m.addKey(name, rawKey, roles, owners, expiresAt)
	if err != nil {
		return "", nil, err
	}

	m.logger.Info("generated API key", "id", key.ID, "name", name, "roles", roles)
	return rawKey, key, nil
}

// ValidateKey returns the key record for rawKey.
func (m *KeyManager) ValidateKey(rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[hashKey(rawKey)]
	switch {
	case !ok:
		return nil, ErrInvalidAPIKey
	case key.Revoked:
		return nil, ErrAPIKeyRevoked
	case key.IsExpired():
		return nil, ErrAPIKeyExpired
	}
	return key, nil
}

// RevokeKey disables a key by ID.
func (m *KeyManager) RevokeKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keysByID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	key.Revoked = true
	m.logger.Info("revoked API key", "id", id, "name", key.Name)
	return nil
}

// ListKeys returns a copy of every registered key, ordered by name.
func (m *KeyManager) ListKeys() []APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]APIKey, 0, len(m.keysByID))
	for _, k := range m.keysByID {
		keys = append(keys, *k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// =============================================================================
// REQUEST CONTEXT
// =============================================================================

type contextKey struct{}

// WithAPIKey returns ctx carrying the authenticated key.
func WithAPIKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// APIKeyFromContext returns the authenticated key, or nil when the request
// was not authenticated (auth disabled or a public endpoint).
func APIKeyFromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(contextKey{}).(*APIKey)
	return key
}

// Authorize checks that the caller in ctx holds perm. Unauthenticated
// contexts pass; the middleware has already rejected them when auth is on.
func Authorize(ctx context.Context, perm Permission) error {
	key := APIKeyFromContext(ctx)
	if key == nil || key.HasPermission(perm) {
		return nil
	}
	return fmt.Errorf("%w: key %q lacks %s", ErrPermissionDenied, key.Name, perm)
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware validates the request's API key and stores it in the request
// context. Public endpoints and a disabled manager pass through.
//
// Key lookup order: Authorization: Bearer <key>, then X-API-Key.
func (m *KeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key, err := m.ValidateKey(extractAPIKey(r))
		if err != nil {
			m.logger.Warn("authentication failed",
				"path", r.URL.Path,
				"method", r.Method,
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
	})
}

// RequirePermission rejects requests whose key lacks perm with 403.
func (m *KeyManager) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Authorize(r.Context(), perm); err != nil {
				m.logger.Warn("permission denied", "path", r.URL.Path, "permission", perm)
				writeError(w, http.StatusForbidden, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError uses the same {"error", "status"} body as the API handlers.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
