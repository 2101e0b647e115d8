package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"secwheel/internal/metrics"
)

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================
//
// Callbacks run on the sweeper goroutine and must return quickly, so a fired
// job with a webhook only enqueues its record here:
//
//   sweeper ──enqueue (non-blocking)──► [queue] ──► worker 1..N ──POST──► URL
//
// A full queue drops the notification and the callback reports status 1.
// Delivery errors are logged and counted; nothing is retried.
//
// =============================================================================

type delivery struct {
	url    string
	record FiredRecord
}

// notifier is a bounded worker pool that POSTs fired records as JSON.
type notifier struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.ServiceMetrics

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func newNotifier(workers, queueSize int, timeout time.Duration, client *http.Client, logger *slog.Logger, m *metrics.ServiceMetrics) *notifier {
	if client == nil {
		client = &http.Client{}
	}
	n := &notifier{
		client:  client,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		queue:   make(chan delivery, queueSize),
	}

	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go n.worker()
	}
	return n
}

// enqueue hands a record to the pool without blocking. It reports false when
// the queue is full or the notifier is closed.
func (n *notifier) enqueue(url string, record FiredRecord) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.dropped.Add(1)
		n.metrics.RecordWebhook("dropped", 0)
		return false
	}

	select {
	case n.queue <- delivery{url: url, record: record}:
		return true
	default:
		n.dropped.Add(1)
		n.metrics.RecordWebhook("dropped", 0)
		n.logger.Warn("webhook queue full, notification dropped",
			"job_id", record.JobID,
			"url", url)
		return false
	}
}

func (n *notifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		start := time.Now()
		err := n.post(d)
		latency := time.Since(start).Seconds()

		if err != nil {
			n.failed.Add(1)
			n.metrics.RecordWebhook("error", latency)
			n.logger.Warn("webhook delivery failed",
				"job_id", d.record.JobID,
				"url", d.url,
				"error", err)
			continue
		}
		n.delivered.Add(1)
		n.metrics.RecordWebhook("ok", latency)
	}
}

func (n *notifier) post(d delivery) error {
	body, err := json.Marshal(d.record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "secwheel-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// close stops accepting records and waits for queued ones to be delivered.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}
