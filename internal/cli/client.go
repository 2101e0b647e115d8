// =============================================================================
// CLI HTTP CLIENT - TALKS TO THE secwheel DAEMON
// =============================================================================
//
// HTTP ENDPOINTS USED:
//
//   POST   /events          Schedule
//   GET    /events          ListEvents
//   GET    /events/{id}     GetEvent
//   DELETE /events/{id}     CancelEvent
//   GET    /fired?limit=N   Fired
//   GET    /stats           Stats
//   GET    /health          Health
//   POST   /admin/keys      CreateKey
//   GET    /admin/keys      ListKeys
//   DELETE /admin/keys/{id} RevokeKey
//
// Non-2xx responses become *APIError carrying the server's "error" text.
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	settings   Settings
	httpClient *http.Client
}

// NewClient creates a client for the resolved settings.
func NewClient(settings Settings) *Client {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	return &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.Timeout},
	}
}

// Server returns the base URL this client talks to.
func (c *Client) Server() string {
	return c.settings.Server
}

// doRequest executes an HTTP request and decodes the JSON response into
// result when result is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	u, err := url.JoinPath(c.settings.Server, path)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", c.settings.Server, err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.settings.APIKey != "" {
		req.Header.Set("X-API-Key", c.settings.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the daemon's error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ScheduleRequest is the POST /events body. Exactly one of At, Delay and
// Cron is set.
type ScheduleRequest struct {
	Owner   string `json:"owner"`
	Arg     string `json:"arg,omitempty"`
	At      int64  `json:"at,omitempty"`
	Delay   string `json:"delay,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

// Event is a pending job as reported by the daemon.
type Event struct {
	ID        string    `json:"id" yaml:"id"`
	Owner     string    `json:"owner" yaml:"owner"`
	Arg       string    `json:"arg" yaml:"arg"`
	Expiry    int64     `json:"expiry" yaml:"expiry"`
	Cron      string    `json:"cron,omitempty" yaml:"cron,omitempty"`
	Webhook   string    `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Fires     int       `json:"fires" yaml:"fires"`
}

// FiredEvent is one entry of the fired history.
type FiredEvent struct {
	JobID    string        `json:"job_id" yaml:"job_id"`
	Owner    string        `json:"owner" yaml:"owner"`
	Arg      string        `json:"arg" yaml:"arg"`
	Expiry   int64         `json:"expiry" yaml:"expiry"`
	FiredAt  time.Time     `json:"fired_at" yaml:"fired_at"`
	Lateness time.Duration `json:"lateness" yaml:"lateness"`
	Status   int           `json:"status" yaml:"status"`
}

// WheelStats mirrors the daemon's wheel counters.
type WheelStats struct {
	Scheduled        uint64 `json:"scheduled" yaml:"scheduled"`
	Fired            uint64 `json:"fired" yaml:"fired"`
	Cancelled        uint64 `json:"cancelled" yaml:"cancelled"`
	Discarded        uint64 `json:"discarded" yaml:"discarded"`
	CallbackFailures uint64 `json:"callback_failures" yaml:"callback_failures"`
	CallbackPanics   uint64 `json:"callback_panics" yaml:"callback_panics"`
	Pending          int    `json:"pending" yaml:"pending"`
	TrackedSecond    int64  `json:"tracked_second" yaml:"tracked_second"`
	Cursor           int    `json:"cursor" yaml:"cursor"`
	Lag              int64  `json:"lag_seconds" yaml:"lag_seconds"`
	Slots            int    `json:"slots" yaml:"slots"`
}

// Stats is the GET /stats body.
type Stats struct {
	Uptime            string     `json:"uptime" yaml:"uptime"`
	Wheel             WheelStats `json:"wheel" yaml:"wheel"`
	ActiveJobs        int        `json:"active_jobs" yaml:"active_jobs"`
	RecurringJobs     int        `json:"recurring_jobs" yaml:"recurring_jobs"`
	HistorySize       int        `json:"history_size" yaml:"history_size"`
	WebhooksDelivered uint64     `json:"webhooks_delivered" yaml:"webhooks_delivered"`
	WebhooksFailed    uint64     `json:"webhooks_failed" yaml:"webhooks_failed"`
	WebhooksDropped   uint64     `json:"webhooks_dropped" yaml:"webhooks_dropped"`
	RescheduleErrors  uint64     `json:"reschedule_errors" yaml:"reschedule_errors"`
}

// Version is the CLI version, set at build time with -ldflags.
var Version = "dev"

// VersionInfo is what `secwheel-cli version` reports.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	Server        string `json:"server" yaml:"server"`
	ServerStatus  string `json:"server_status,omitempty" yaml:"server_status,omitempty"`
}

// APIKey is a key record as listed by the daemon. The raw key is never
// included.
type APIKey struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Prefix    string    `json:"prefix" yaml:"prefix"`
	Roles     []string  `json:"roles" yaml:"roles"`
	Owners    []string  `json:"owners,omitempty" yaml:"owners,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
	Revoked   bool      `json:"revoked" yaml:"revoked"`
}

// CreateKeyRequest is the POST /admin/keys body.
type CreateKeyRequest struct {
	Name      string   `json:"name"`
	Roles     []string `json:"roles"`
	Owners    []string `json:"owners,omitempty"`
	ExpiresIn string   `json:"expires_in,omitempty"`
}

// CreatedKey carries a freshly generated raw key.
type CreatedKey struct {
	Key    string `json:"key" yaml:"key"`
	APIKey APIKey `json:"api_key" yaml:"api_key"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string `json:"status" yaml:"status"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Schedule creates a job.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (*Event, error) {
	var event Event
	if err := c.doRequest(ctx, http.MethodPost, "/events", nil, req, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents returns pending jobs ordered by expiry.
func (c *Client) ListEvents(ctx context.Context) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/events", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetEvent returns one pending job.
func (c *Client) GetEvent(ctx context.Context, id string) (*Event, error) {
	var event Event
	if err := c.doRequest(ctx, http.MethodGet, "/events/"+url.PathEscape(id), nil, nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// CancelEvent cancels a pending job.
func (c *Client) CancelEvent(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/events/"+url.PathEscape(id), nil, nil, nil)
}

// Fired returns up to limit fired records, newest first.
func (c *Client) Fired(ctx context.Context, limit int) ([]FiredEvent, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Fired []FiredEvent `json:"fired"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/fired", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fired, nil
}

// Stats returns daemon statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doRequest(ctx, http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// CreateKey generates an API key on the daemon. Needs an admin key.
func (c *Client) CreateKey(ctx context.Context, req CreateKeyRequest) (*CreatedKey, error) {
	var created CreatedKey
	if err := c.doRequest(ctx, http.MethodPost, "/admin/keys", nil, req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListKeys returns every API key the daemon knows, ordered by name.
func (c *Client) ListKeys(ctx context.Context) ([]APIKey, error) {
	var resp struct {
		Keys []APIKey `json:"keys"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/admin/keys", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// RevokeKey disables an API key by ID.
func (c *Client) RevokeKey(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/admin/keys/"+url.PathEscape(id), nil, nil, nil)
}
