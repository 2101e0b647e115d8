package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *KeyManager {
	t.Helper()
	m, err := NewKeyManager(AuthConfig{
		Enabled: true,
		Keys: []KeyConfig{
			{Name: "root", Key: "root-key", Roles: []string{RoleAdmin}},
			{Name: "billing", Key: "billing-key", Roles: []string{RoleScheduler}, Owners: []string{"billing-*"}},
			{Name: "viewer", Key: "viewer-key", Roles: []string{RoleReadonly}},
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	return m
}

// =============================================================================
// KEY MANAGER
// =============================================================================

func TestNewKeyManager_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  KeyConfig
		want error
	}{
		{"empty secret", KeyConfig{Name: "a", Roles: []string{RoleAdmin}}, ErrNoAPIKey},
		{"no roles", KeyConfig{Name: "a", Key: "k"}, ErrUnknownRole},
		{"unknown role", KeyConfig{Name: "a", Key: "k", Roles: []string{"producer"}}, ErrUnknownRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyManager(AuthConfig{Enabled: true, Keys: []KeyConfig{tt.key}}, testLogger())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	_, err := NewKeyManager(AuthConfig{Keys: []KeyConfig{
		{Name: "a", Key: "k", Roles: []string{RoleAdmin}, Owners: []string{"[bad"}},
	}}, testLogger())
	if !errors.Is(err, ErrInvalidOwnerPattern) {
		t.Errorf("malformed owner pattern: err = %v, want ErrInvalidOwnerPattern", err)
	}
}

func TestKeyManager_ValidateKey(t *testing.T) {
	m := newTestManager(t)

	key, err := m.ValidateKey("billing-key")
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.Name != "billing" || key.Prefix != "billing-" {
		t.Errorf("unexpected key: %+v", key)
	}

	if _, err := m.ValidateKey(""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := m.ValidateKey("nope"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: err = %v", err)
	}

	if err := m.RevokeKey(key.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := m.ValidateKey("billing-key"); !errors.Is(err, ErrAPIKeyRevoked) {
		t.Errorf("revoked key: err = %v", err)
	}
	if err := m.RevokeKey("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoking an unknown id: err = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyManager_GenerateKey(t *testing.T) {
	m := newTestManager(t)

	raw, key, err := m.GenerateKey("ci", []string{RoleReadonly}, nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(raw) != 3+64 || raw[:3] != "sw_" {
		t.Errorf("unexpected raw key %q", raw)
	}
	if key.ExpiresAt.IsZero() {
		t.Error("expiry not set")
	}
	if got, err := m.ValidateKey(raw); err != nil || got.ID != key.ID {
		t.Errorf("ValidateKey(generated) = %v, %v", got, err)
	}

	key.ExpiresAt = time.Now().Add(-time.Second)
	if _, err := m.ValidateKey(raw); !errors.Is(err, ErrAPIKeyExpired) {
		t.Errorf("expired key: err = %v", err)
	}

	names := []string{}
	for _, k := range m.ListKeys() {
		names = append(names, k.Name)
	}
	if len(names) != 4 || names[0] != "billing" || names[1] != "ci" {
		t.Errorf("ListKeys names = %v", names)
	}
}

func TestPermissionsAndOwners(t *testing.T) {
	m := newTestManager(t)
	root, _ := m.ValidateKey("root-key")
	billing, _ := m.ValidateKey("billing-key")
	viewer, _ := m.ValidateKey("viewer-key")

	if !root.HasPermission(PermJobsWrite) || !billing.HasPermission(PermJobsWrite) || viewer.HasPermission(PermJobsWrite) {
		t.Error("write permission mismatch")
	}
	if !viewer.HasPermission(PermJobsRead) {
		t.Error("readonly should read")
	}

	if !billing.AllowsOwner("billing-eu") || billing.AllowsOwner("ops") {
		t.Error("billing owner scope mismatch")
	}
	if !root.AllowsOwner("anyone") || !viewer.AllowsOwner("anyone") {
		t.Error("unscoped keys should allow every owner")
	}
	if !root.HasPermission(PermKeysAdmin) || billing.HasPermission(PermKeysAdmin) || viewer.HasPermission(PermKeysAdmin) {
		t.Error("keys:admin should belong to admin only")
	}

	ctx := WithAPIKey(context.Background(), billing)
	if err := AuthorizeOwner(ctx, "ops"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("AuthorizeOwner(ops) = %v", err)
	}
	if err := Authorize(WithAPIKey(context.Background(), viewer), PermJobsWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Authorize(viewer, write) = %v", err)
	}
	if err := Authorize(context.Background(), PermJobsWrite); err != nil {
		t.Errorf("unauthenticated context should pass, got %v", err)
	}
}

// WHAT: owner globs match the same way on every OS; "*" does not cross "/".
func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		owner   string
		want    bool
	}{
		{"*", "team/a/b", true},
		{"billing-*", "billing-eu", true},
		{"billing-*", "ops", false},
		{"team/*", "team/a", true},
		{"team/*", "team/a/b", false},
		{`team\*`, "team*", true},
		{"ops", "ops", true},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.owner); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.owner, got, tt.want)
		}
	}
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// WHAT: error bodies stay valid JSON whatever the error text holds.
func TestWriteError_ValidJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusUnauthorized, errors.New("bad \x01 key \"q\" \u00e9"))

	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%q)", err, rec.Body.String())
	}
	if body.Error != "bad \x01 key \"q\" \u00e9" || body.Status != http.StatusUnauthorized {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestMiddleware(t *testing.T) {
	m := newTestManager(t)

	var seen *APIKey
	write := m.RequirePermission(PermJobsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = APIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	handler := m.Middleware(write)

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"public path without key", "/healthz", "", "", http.StatusNoContent},
		{"missing key", "/events", "", "", http.StatusUnauthorized},
		{"bad key", "/events", "X-API-Key", "nope", http.StatusUnauthorized},
		{"readonly key", "/events", "X-API-Key", "viewer-key", http.StatusForbidden},
		{"scheduler key", "/events", "X-API-Key", "billing-key", http.StatusNoContent},
		{"bearer token", "/events", "Authorization", "Bearer root-key", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if seen == nil || seen.Name != "root" {
		t.Errorf("key in context = %+v, want root", seen)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m, err := NewKeyManager(AuthConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	if m.Enabled() {
		t.Fatal("manager should be disabled")
	}
	var nilManager *KeyManager
	if nilManager.Enabled() {
		t.Fatal("nil manager should be disabled")
	}

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth status = %d, want 200", rec.Code)
	}
}

// =============================================================================
// TLS
// =============================================================================

func TestServerTLS(t *testing.T) {
	cfg, err := TLSConfig{}.ServerTLS()
	if cfg != nil || err != nil {
		t.Errorf("disabled TLS = %v, %v; want nil, nil", cfg, err)
	}

	if _, err := (TLSConfig{Enabled: true}).ServerTLS(); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("no certificate: err = %v", err)
	}
	if _, err := (TLSConfig{Enabled: true, SelfSigned: true, ClientAuth: "sometimes"}).ServerTLS(); err == nil {
		t.Error("bad client_auth should fail")
	}
	if _, err := (TLSConfig{Enabled: true, SelfSigned: true, MinVersion: "1.0"}).ServerTLS(); err == nil {
		t.Error("min_version 1.0 should fail")
	}
	if _, err := (TLSConfig{Enabled: true, CertFile: "/missing.crt", KeyFile: "/missing.key"}).ServerTLS(); err == nil {
		t.Error("missing files should fail")
	}

	cfg, err = TLSConfig{Enabled: true, SelfSigned: true, MinVersion: "1.3"}.ServerTLS()
	if err != nil {
		t.Fatalf("self-signed ServerTLS failed: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || len(cfg.Certificates) != 1 {
		t.Errorf("unexpected tls.Config: min=%x certs=%d", cfg.MinVersion, len(cfg.Certificates))
	}
}

// WHAT: a self-signed server config completes a real handshake on loopback.
func TestServerTLS_Handshake(t *testing.T) {
	cfg, err := TLSConfig{Enabled: true, SelfSigned: true}.ServerTLS()
	if err != nil {
		t.Fatalf("ServerTLS failed: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("ok"))
	}()

	pool := x509.NewCertPool()
	pool.AddCert(cfg.Certificates[0].Leaf)

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", ln.Addr().String(),
		&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ok" {
		t.Errorf("read %q, %v", buf, err)
	}
}
