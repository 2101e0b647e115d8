package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"secwheel/internal/security"
)

// =============================================================================
// API KEY ADMINISTRATION
// =============================================================================
//
//   POST   /admin/keys        Generate a key; the raw key is returned once
//   GET    /admin/keys        List keys (hash never included)
//   DELETE /admin/keys/{id}   Revoke a key
//
// Registered only when auth is enabled. Every route needs keys:admin.
//
// =============================================================================

// CreateKeyRequest is the body for POST /admin/keys.
type CreateKeyRequest struct {
	Name   string   `json:"name"`
	Roles  []string `json:"roles"`
	Owners []string `json:"owners,omitempty"`

	// ExpiresIn is a Go duration string; empty means no expiry.
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateKeyResponse carries the raw key. It is not recoverable later.
type CreateKeyResponse struct {
	Key    string          `json:"key"`
	APIKey security.APIKey `json:"api_key"`
}

func (s *Server) registerKeyRoutes() {
	s.router.Route("/admin/keys", func(r chi.Router) {
		r.Use(s.require(security.PermKeysAdmin))
		r.Post("/", s.createKey)
		r.Get("/", s.listKeys)
		r.Delete("/{id}", s.revokeKey)
	})
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	var expiry time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "expires_in must be a positive duration")
			return
		}
		expiry = d
	}

	raw, key, err := s.auth.GenerateKey(req.Name, req.Roles, req.Owners, expiry)
	switch {
	case errors.Is(err, security.ErrUnknownRole), errors.Is(err, security.ErrInvalidOwnerPattern):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to generate API key", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("API key created", "id", key.ID, "name", key.Name, "by", callerName(r))
	s.writeJSON(w, http.StatusCreated, CreateKeyResponse{Key: raw, APIKey: *key})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.auth.ListKeys()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.auth.RevokeKey(id); err != nil {
		if errors.Is(err, security.ErrKeyNotFound) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("API key revoked", "id", id, "by", callerName(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"revoked": true,
		"id":      id,
	})
}

func callerName(r *http.Request) string {
	if key := security.APIKeyFromContext(r.Context()); key != nil {
		return key.Name
	}
	return ""
}
