package service

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"

	"secwheel/internal/wheel"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// newTestService runs a service on a mock clock at Unix second 0. The sweeper
// goroutine is live; advance drives it.
func newTestService(t *testing.T, mutate func(*Config)) (*Service, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	config := DefaultConfig()
	config.Wheel.Clock = mock
	config.Wheel.PollInterval = 250 * time.Millisecond
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	config.HistorySize = 16
	if mutate != nil {
		mutate(&config)
	}

	s, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

// advance steps the mock clock a poll interval at a time until cond holds.
func advance(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	for i := 0; i < 4000; i++ {
		if cond() {
			return
		}
		mock.Add(250 * time.Millisecond)
	}
	t.Fatalf("condition not reached; mock clock at %v", mock.Now().Unix())
}

// =============================================================================
// SCHEDULING
// =============================================================================

func TestSchedule_Validation(t *testing.T) {
	s, _ := newTestService(t, nil)

	tests := []struct {
		name string
		req  ScheduleRequest
	}{
		{"missing owner", ScheduleRequest{At: 10}},
		{"nothing set", ScheduleRequest{Owner: "o"}},
		{"at and delay", ScheduleRequest{Owner: "o", At: 10, Delay: time.Second}},
		{"negative delay", ScheduleRequest{Owner: "o", Delay: -time.Second}},
		{"six-field cron", ScheduleRequest{Owner: "o", Cron: "0 * * * * *"}},
		{"garbage cron", ScheduleRequest{Owner: "o", Cron: "every minute"}},
		{"bad webhook scheme", ScheduleRequest{Owner: "o", At: 10, Webhook: "ftp://host/x"}},
		{"webhook without host", ScheduleRequest{Owner: "o", At: 10, Webhook: "http://"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Schedule(tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if len(s.List()) != 0 {
		t.Error("rejected requests must not create jobs")
	}
}

func TestSchedule_OneShotFiresOnce(t *testing.T) {
	s, mock := newTestService(t, nil)

	job, err := s.Schedule(ScheduleRequest{Owner: "alice", Arg: "report", Delay: 2 * time.Second})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if job.Expiry != 2 {
		t.Fatalf("expiry = %d, want 2", job.Expiry)
	}
	if got, err := s.Get(job.ID); err != nil || got.Owner != "alice" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) == 1 })

	rec := s.Fired(0)[0]
	if rec.JobID != job.ID || rec.Owner != "alice" || rec.Arg != "report" || rec.Expiry != 2 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.FiredAt.Unix() < 2 {
		t.Errorf("fired early at %d", rec.FiredAt.Unix())
	}
	if _, err := s.Get(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("one-shot job should be gone after firing, got %v", err)
	}

	for i := 0; i < 20; i++ {
		mock.Add(250 * time.Millisecond)
	}
	if n := len(s.Fired(0)); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
}

func TestSchedule_ListOrderedByExpiry(t *testing.T) {
	s, _ := newTestService(t, nil)

	for _, at := range []int64{500, 100, 300} {
		if _, err := s.Schedule(ScheduleRequest{Owner: "o", At: at}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	jobs := s.List()
	if len(jobs) != 3 {
		t.Fatalf("listed %d jobs, want 3", len(jobs))
	}
	for i, want := range []int64{100, 300, 500} {
		if jobs[i].Expiry != want {
			t.Errorf("jobs[%d].Expiry = %d, want %d", i, jobs[i].Expiry, want)
		}
	}
}

// =============================================================================
// RECURRING JOBS
// =============================================================================

func TestSchedule_CronRecurs(t *testing.T) {
	// WHAT: A job on "* * * * *"
	// WHY: Each firing must schedule the next minute from inside the callback

	s, mock := newTestService(t, nil)

	job, err := s.Schedule(ScheduleRequest{Owner: "cron", Cron: "* * * * *"})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if job.Expiry%60 != 0 || job.Expiry <= 0 {
		t.Fatalf("first expiry %d is not a future minute boundary", job.Expiry)
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) >= 2 })

	fired := s.Fired(0)
	if fired[0].Expiry-fired[1].Expiry != 60 {
		t.Errorf("occurrences %d and %d are not one minute apart", fired[1].Expiry, fired[0].Expiry)
	}

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("recurring job disappeared: %v", err)
	}
	if got.Fires < 2 || got.Expiry <= fired[0].Expiry {
		t.Errorf("job not rescheduled: %+v", got)
	}
	if s.Stats().RecurringJobs != 1 {
		t.Errorf("recurring jobs = %d, want 1", s.Stats().RecurringJobs)
	}

	if err := s.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	fires := len(s.Fired(0))
	for i := 0; i < 600; i++ {
		mock.Add(250 * time.Millisecond)
	}
	if n := len(s.Fired(0)); n != fires {
		t.Errorf("cancelled cron job fired again (%d -> %d)", fires, n)
	}
}

// =============================================================================
// CANCELLATION AND TEARDOWN
// =============================================================================

func TestCancel(t *testing.T) {
	s, mock := newTestService(t, nil)

	job, err := s.Schedule(ScheduleRequest{Owner: "o", At: 3})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	keep, _ := s.Schedule(ScheduleRequest{Owner: "keep", At: 3})

	if err := s.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := s.Cancel(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second Cancel: expected ErrJobNotFound, got %v", err)
	}
	if err := s.Cancel("no-such-id"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) == 1 })
	if s.Fired(0)[0].JobID != keep.ID {
		t.Errorf("wrong job fired: %+v", s.Fired(0)[0])
	}
}

func TestClose(t *testing.T) {
	s, mock := newTestService(t, nil)

	for i := 0; i < 5; i++ {
		if _, err := s.Schedule(ScheduleRequest{Owner: "o", At: 2}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		mock.Add(250 * time.Millisecond)
	}
	if n := len(s.Fired(0)); n != 0 {
		t.Errorf("fired %d jobs after Close", n)
	}
	if stats := s.Stats(); stats.ActiveJobs != 0 || stats.Wheel.Discarded != 5 {
		t.Errorf("after Close: active=%d discarded=%d", stats.ActiveJobs, stats.Wheel.Discarded)
	}
	if _, err := s.Schedule(ScheduleRequest{Owner: "o", At: 10}); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
}

// =============================================================================
// WEBHOOKS
// =============================================================================

func TestWebhook_DeliversFiredRecord(t *testing.T) {
	var mu sync.Mutex
	var received []FiredRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec FiredRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		mu.Lock()
		received = append(received, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, mock := newTestService(t, nil)

	job, err := s.Schedule(ScheduleRequest{Owner: "hook", Arg: "payload", At: 1, Webhook: srv.URL})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) == 1 })

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().WebhooksDelivered == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("webhook received %d records, want 1", len(received))
	}
	if received[0].JobID != job.ID || received[0].Arg != "payload" {
		t.Errorf("unexpected webhook record %+v", received[0])
	}
	if s.Fired(0)[0].Status != 0 {
		t.Errorf("status = %d, want 0", s.Fired(0)[0].Status)
	}
}

func TestWebhook_FailureIsCountedNotRetried(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		once.Do(calls.Done)
	}))
	defer srv.Close()

	s, mock := newTestService(t, nil)
	if _, err := s.Schedule(ScheduleRequest{Owner: "hook", At: 1, Webhook: srv.URL}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) == 1 })
	calls.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().WebhooksFailed == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Stats().WebhooksFailed; got != 1 {
		t.Errorf("webhooks failed = %d, want 1", got)
	}
}

func TestWebhook_FullQueueSetsStatus(t *testing.T) {
	// WHAT: One worker blocked on a slow endpoint, queue of one
	// WHY: Further notifications are dropped and the callback reports status 1

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, mock := newTestService(t, func(c *Config) {
		c.WebhookWorkers = 1
		c.WebhookQueueSize = 1
	})

	for i := 0; i < 4; i++ {
		if _, err := s.Schedule(ScheduleRequest{Owner: "hook", At: 1, Webhook: srv.URL}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	advance(t, mock, func() bool { return len(s.Fired(0)) == 4 })

	failed := 0
	for _, rec := range s.Fired(0) {
		if rec.Status == 1 {
			failed++
		}
	}
	if failed == 0 {
		t.Error("expected at least one dropped notification with status 1")
	}
	if got := s.Stats().WebhooksDropped; got != uint64(failed) {
		t.Errorf("dropped = %d, want %d", got, failed)
	}
	if got := s.Stats().Wheel.CallbackFailures; got != uint64(failed) {
		t.Errorf("wheel callback failures = %d, want %d", got, failed)
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.HistorySize = 0
	if _, err := New(config); err == nil {
		t.Error("expected error for zero history size")
	}

	config = DefaultConfig()
	config.Wheel.Slots = 0
	if _, err := New(config); !errors.Is(err, wheel.ErrInvalidConfig) {
		t.Errorf("expected wheel.ErrInvalidConfig, got %v", err)
	}
}
