// =============================================================================
// JOB SERVICE
// =============================================================================
//
// The service turns the timer wheel into something a network caller can use:
//
//   - jobs get a UUID and can be listed, fetched and cancelled by ID
//   - a job fires once at an absolute second, after a delay, or recurs on a
//     5-field cron expression
//   - every firing lands in a bounded history and optionally a webhook
//
// RECURRING JOBS:
//   A cron job holds exactly one pending wheel event. Its callback computes
//   the next occurrence after the expiry that just fired and schedules it
//   from inside the callback, so the wheel's re-entrancy is load-bearing here.
//
// LOCK ORDER:
//   service mu -> wheel gate. Callbacks run with the wheel gate released and
//   take mu first, so the order holds on every path.
//
// =============================================================================

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"

	"secwheel/internal/metrics"
	"secwheel/internal/wheel"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidRequest means a ScheduleRequest failed validation.
	ErrInvalidRequest = errors.New("invalid schedule request")

	// ErrJobNotFound means no pending job has the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrServiceClosed means the service has been shut down.
	ErrServiceClosed = errors.New("service is closed")
)

// =============================================================================
// TYPES
// =============================================================================

// ScheduleRequest asks for a job. Exactly one of At, Delay and Cron must be
// set.
type ScheduleRequest struct {
	Owner   string        `json:"owner"`
	Arg     string        `json:"arg,omitempty"`
	At      int64         `json:"at,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Cron    string        `json:"cron,omitempty"`
	Webhook string        `json:"webhook,omitempty"`
}

// Job is a scheduled job as seen by callers.
type Job struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Arg       string    `json:"arg,omitempty"`
	Expiry    int64     `json:"expiry"`
	Cron      string    `json:"cron,omitempty"`
	Webhook   string    `json:"webhook,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Fires     int       `json:"fires"`

	handle wheel.Handle
}

// Stats combines wheel counters with service-level counters.
type Stats struct {
	Wheel             wheel.Stats `json:"wheel"`
	ActiveJobs        int         `json:"active_jobs"`
	RecurringJobs     int         `json:"recurring_jobs"`
	HistorySize       int         `json:"history_size"`
	WebhooksDelivered uint64      `json:"webhooks_delivered"`
	WebhooksFailed    uint64      `json:"webhooks_failed"`
	WebhooksDropped   uint64      `json:"webhooks_dropped"`
	RescheduleErrors  uint64      `json:"reschedule_errors"`
}

// Config configures a Service.
type Config struct {
	// Wheel is passed to wheel.New. Its Clock is shared with the service.
	Wheel wheel.Config

	// HistorySize bounds the fired-record ring.
	HistorySize int

	// WebhookWorkers, WebhookQueueSize and WebhookTimeout size the notifier.
	WebhookWorkers   int
	WebhookQueueSize int
	WebhookTimeout   time.Duration

	// HTTPClient is used for webhook POSTs. Defaults to a plain client.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *metrics.ServiceMetrics
}

// DefaultConfig returns a service on a default wheel.
func DefaultConfig() Config {
	return Config{
		Wheel:            wheel.DefaultConfig(),
		HistorySize:      1000,
		WebhookWorkers:   4,
		WebhookQueueSize: 256,
		WebhookTimeout:   5 * time.Second,
	}
}

// =============================================================================
// SERVICE
// =============================================================================

// Service schedules jobs on a timer wheel keyed by owner and argument strings.
type Service struct {
	wheel    *wheel.Wheel[string, string]
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.ServiceMetrics
	history  *history
	notifier *notifier

	mu   sync.Mutex
	jobs map[string]*Job

	closed           atomic.Bool
	rescheduleErrors atomic.Uint64
}

// New builds the service and starts its wheel and webhook workers.
func New(config Config) (*Service, error) {
	if config.HistorySize <= 0 {
		return nil, fmt.Errorf("history size must be > 0, got %d", config.HistorySize)
	}
	if config.WebhookWorkers <= 0 || config.WebhookQueueSize <= 0 {
		return nil, fmt.Errorf("webhook workers and queue size must be > 0, got %d/%d",
			config.WebhookWorkers, config.WebhookQueueSize)
	}
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Wheel.Clock == nil {
		config.Wheel.Clock = clock.New()
	}
	if config.Wheel.Logger == nil {
		config.Wheel.Logger = config.Logger.With("component", "wheel")
	}

	w, err := wheel.New[string, string](config.Wheel)
	if err != nil {
		return nil, err
	}

	logger := config.Logger.With("component", "service")

	s := &Service{
		wheel:   w,
		clock:   config.Wheel.Clock,
		logger:  logger,
		metrics: config.Metrics,
		history: newHistory(config.HistorySize),
		notifier: newNotifier(config.WebhookWorkers, config.WebhookQueueSize,
			config.WebhookTimeout, config.HTTPClient, logger, config.Metrics),
		jobs: make(map[string]*Job),
	}
	return s, nil
}

// Schedule validates req and places its first occurrence on the wheel.
func (s *Service) Schedule(req ScheduleRequest) (Job, error) {
	if s.closed.Load() {
		return Job{}, ErrServiceClosed
	}

	kind, err := validateRequest(req)
	if err != nil {
		return Job{}, err
	}

	now := s.clock.Now()
	var expiry int64
	switch kind {
	case "at":
		expiry = req.At
	case "delay":
		expiry = now.Add(req.Delay).Unix()
	case "cron":
		expiry, err = nextOccurrence(req.Cron, now)
		if err != nil {
			return Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Arg:       req.Arg,
		Expiry:    expiry,
		Cron:      req.Cron,
		Webhook:   req.Webhook,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := s.wheel.Schedule(s.callbackFor(job.ID), expiry, job.Owner, job.Arg)
	if err != nil {
		if errors.Is(err, wheel.ErrWheelClosed) {
			return Job{}, ErrServiceClosed
		}
		return Job{}, err
	}
	job.handle = handle
	s.jobs[job.ID] = job

	s.metrics.RecordScheduled(kind)
	s.logger.Debug("job scheduled",
		"job_id", job.ID,
		"owner", job.Owner,
		"expiry", expiry,
		"kind", kind)

	return *job, nil
}

// Cancel removes a pending job. Recurring jobs stop recurring.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)

	// false means the callback is already running; it will find the job
	// gone and not reschedule
	s.wheel.Cancel(job.handle)

	s.metrics.RecordCancelled()
	s.logger.Debug("job cancelled", "job_id", id)
	return nil
}

// Get returns a pending job by ID.
func (s *Service) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns pending jobs ordered by next expiry.
func (s *Service) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiry != out[j].Expiry {
			return out[i].Expiry < out[j].Expiry
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Fired returns up to limit fired records, newest first.
func (s *Service) Fired(limit int) []FiredRecord {
	return s.history.recent(limit)
}

// Stats returns a snapshot of wheel and service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	active := len(s.jobs)
	recurring := 0
	for _, job := range s.jobs {
		if job.Cron != "" {
			recurring++
		}
	}
	s.mu.Unlock()

	return Stats{
		Wheel:             s.wheel.Stats(),
		ActiveJobs:        active,
		RecurringJobs:     recurring,
		HistorySize:       s.history.len(),
		WebhooksDelivered: s.notifier.delivered.Load(),
		WebhooksFailed:    s.notifier.failed.Load(),
		WebhooksDropped:   s.notifier.dropped.Load(),
		RescheduleErrors:  s.rescheduleErrors.Load(),
	}
}

// Lag returns how many seconds the wheel trails the wall clock.
func (s *Service) Lag() time.Duration {
	return time.Duration(s.wheel.Lag()) * time.Second
}

// TrackedTime returns the wheel's tracked second as a time.
func (s *Service) TrackedTime() time.Time {
	return time.Unix(s.wheel.TrackedSecond(), 0)
}

// Closed reports whether Close has been called.
func (s *Service) Closed() bool {
	return s.closed.Load()
}

// Close tears down the wheel (pending jobs are dropped without firing) and
// drains queued webhooks.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	// the wheel gate must not be held while waiting for the sweeper, and
	// callbacks take mu, so mu is not held here either
	err := s.wheel.Close()

	s.mu.Lock()
	dropped := len(s.jobs)
	clear(s.jobs)
	s.mu.Unlock()

	s.notifier.close()

	s.logger.Info("service stopped", "dropped_jobs", dropped)
	return err
}

// =============================================================================
// FIRING
// =============================================================================

// callbackFor returns the wheel callback for a job. It runs on the sweeper
// goroutine.
func (s *Service) callbackFor(id string) wheel.Callback[string, string] {
	var cb wheel.Callback[string, string]
	cb = func(owner, arg string) int {
		now := s.clock.Now()

		s.mu.Lock()
		job, ok := s.jobs[id]
		if !ok {
			s.mu.Unlock()
			return 0
		}
		job.Fires++
		record := FiredRecord{
			JobID:    id,
			Owner:    owner,
			Arg:      arg,
			Expiry:   job.Expiry,
			FiredAt:  now,
			Lateness: now.Sub(time.Unix(job.Expiry, 0)),
		}
		webhook := job.Webhook

		if job.Cron != "" {
			s.rescheduleLocked(job, cb)
		} else {
			delete(s.jobs, id)
			s.metrics.RecordCompleted()
		}
		s.mu.Unlock()

		if webhook != "" && !s.notifier.enqueue(webhook, record) {
			record.Status = 1
		}
		s.history.add(record)

		return record.Status
	}
	return cb
}

// rescheduleLocked puts the next cron occurrence on the wheel. On failure the
// job is dropped.
func (s *Service) rescheduleLocked(job *Job, cb wheel.Callback[string, string]) {
	next, err := nextOccurrence(job.Cron, time.Unix(job.Expiry, 0))
	if err == nil {
		var handle wheel.Handle
		handle, err = s.wheel.Schedule(cb, next, job.Owner, job.Arg)
		if err == nil {
			job.Expiry = next
			job.handle = handle
			s.metrics.RecordReschedule(true)
			return
		}
	}

	delete(s.jobs, job.ID)
	s.rescheduleErrors.Add(1)
	s.metrics.RecordReschedule(false)
	s.metrics.RecordCompleted()

	if !errors.Is(err, wheel.ErrWheelClosed) {
		s.logger.Error("failed to reschedule recurring job",
			"job_id", job.ID,
			"cron", job.Cron,
			"error", err)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// validateRequest checks req and returns which field sets the first expiry.
func validateRequest(req ScheduleRequest) (string, error) {
	if req.Owner == "" {
		return "", fmt.Errorf("%w: owner must not be empty", ErrInvalidRequest)
	}

	var kind string
	set := 0
	if req.At != 0 {
		kind = "at"
		set++
	}
	if req.Delay != 0 {
		if req.Delay < 0 {
			return "", fmt.Errorf("%w: delay must not be negative, got %v", ErrInvalidRequest, req.Delay)
		}
		kind = "delay"
		set++
	}
	if req.Cron != "" {
		if err := ValidateCron(req.Cron); err != nil {
			return "", err
		}
		kind = "cron"
		set++
	}
	if set != 1 {
		return "", fmt.Errorf("%w: exactly one of at, delay and cron must be set", ErrInvalidRequest)
	}

	if req.Webhook != "" {
		u, err := url.Parse(req.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: webhook must be an http(s) URL, got %q", ErrInvalidRequest, req.Webhook)
		}
	}

	return kind, nil
}
