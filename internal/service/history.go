package service

import (
	"sync"
	"time"
)

// FiredRecord describes one callback invocation.
type FiredRecord struct {
	JobID    string        `json:"job_id"`
	Owner    string        `json:"owner"`
	Arg      string        `json:"arg"`
	Expiry   int64         `json:"expiry"`
	FiredAt  time.Time     `json:"fired_at"`
	Lateness time.Duration `json:"lateness"`
	Status   int           `json:"status"`
}

// history is a fixed-size ring of the most recent fired records.
type history struct {
	mu      sync.Mutex
	records []FiredRecord
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{records: make([]FiredRecord, size)}
}

func (h *history) add(r FiredRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// recent returns up to limit records, newest first. limit <= 0 means all.
func (h *history) recent(limit int) []FiredRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]FiredRecord, 0, limit)
	idx := h.next
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

func (h *history) lenLocked() int {
	if h.full {
		return len(h.records)
	}
	return h.next
}
