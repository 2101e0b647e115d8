package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"secwheel/internal/security"
	"secwheel/internal/service"
)

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ScheduleEventRequest is the request body for POST /events. Exactly one of
// At (Unix seconds), Delay (Go duration string, e.g. "90s") and Cron
// (5-field expression) must be set.
type ScheduleEventRequest struct {
	Owner   string `json:"owner"`
	Arg     string `json:"arg,omitempty"`
	At      int64  `json:"at,omitempty"`
	Delay   string `json:"delay,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

func (req ScheduleEventRequest) toService() (service.ScheduleRequest, error) {
	out := service.ScheduleRequest{
		Owner:   req.Owner,
		Arg:     req.Arg,
		At:      req.At,
		Cron:    req.Cron,
		Webhook: req.Webhook,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return out, fmt.Errorf("%w: delay %q is not a duration", service.ErrInvalidRequest, req.Delay)
		}
		if d == 0 {
			return out, fmt.Errorf("%w: delay must be positive", service.ErrInvalidRequest)
		}
		out.Delay = d
	}
	return out, nil
}

func (s *Server) scheduleEvent(w http.ResponseWriter, r *http.Request) {
	var req ScheduleEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sreq, err := req.toService()
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if err := security.AuthorizeOwner(r.Context(), sreq.Owner); err != nil {
		s.serviceError(w, err)
		return
	}

	job, err := s.scheduler.Schedule(sreq)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": jobs,
		"count":  len(jobs),
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if security.APIKeyFromContext(r.Context()) != nil {
		job, err := s.scheduler.Get(id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		if err := security.AuthorizeOwner(r.Context(), job.Owner); err != nil {
			s.serviceError(w, err)
			return
		}
	}
	if err := s.scheduler.Cancel(id); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": true,
		"id":        id,
	})
}

func (s *Server) listFired(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	fired := s.scheduler.Fired(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fired": fired,
		"count": len(fired),
	})
}
