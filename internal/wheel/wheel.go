// =============================================================================
// SECOND-GRANULARITY TIMER WHEEL
// =============================================================================
//
// A single flat wheel of one-second buckets. An event due at Unix second T
// lives in bucket T mod Slots:
//
//   ┌───┬───┬───┬───┬───┬─────┬────┐
//   │ 0 │ 1 │ 2 │ 3 │ 4 │ ... │ 59 │      Slots = 60
//   └───┴─┬─┴───┴───┴───┴─────┴────┘
//         │ cursor (tracked second mod 60)
//         ▼
//     [T=61] → [T=61] → [T=121] → [T=601]     sorted by expiry
//
// Many absolute seconds collide in one bucket (61, 121, 601 above), so the
// sweeper fires only the head run with expiry <= tracked second and stops at
// the first later entry. No revolution counters are kept.
//
// CATCH-UP:
//   The sweeper advances the tracked second by at most ONE per tick, even
//   when the wall clock has jumped several seconds ahead. Every intermediate
//   bucket is therefore visited exactly once and no due event is skipped; the
//   price is lag under sustained overload, which shrinks by (ticks/sec - 1)
//   seconds per second once the load goes away.
//
// LOCKING:
//   One mutex (the gate) guards buckets, cursor, tracked second and the
//   handle index. Callbacks run on the sweeper goroutine with the gate
//   released, so a callback may Schedule or Cancel without deadlocking
//   (sync.Mutex is not re-entrant). A sweep only fires events that existed
//   when it started; what callbacks add for the current second fires on the
//   next tick.
//
// =============================================================================

package wheel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultSlots covers one minute of distinct seconds.
	DefaultSlots = 60

	// DefaultPollInterval is how often the sweeper wakes up.
	DefaultPollInterval = 200 * time.Millisecond
)

// Config holds wheel configuration.
type Config struct {
	// Slots is the number of one-second buckets.
	Slots int

	// PollInterval is the sweeper tick period. Must be positive; values above
	// one second make the wheel lag permanently behind wall-clock time.
	PollInterval time.Duration

	// Clock supplies wall-clock time and the sweeper ticker.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default() tagged with component=wheel.
	Logger *slog.Logger

	// Observer receives lifecycle notifications (metrics). Optional.
	Observer Observer
}

// DefaultConfig returns a 60-slot wheel polled every 200ms on the real clock.
func DefaultConfig() Config {
	return Config{
		Slots:        DefaultSlots,
		PollInterval: DefaultPollInterval,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidConfig means New was given an unusable Config.
	ErrInvalidConfig = errors.New("invalid wheel configuration")

	// ErrNilCallback means Schedule was called without a callback.
	ErrNilCallback = errors.New("callback must not be nil")

	// ErrWheelClosed means the wheel has been torn down.
	ErrWheelClosed = errors.New("timer wheel is closed")
)

// =============================================================================
// PUBLIC TYPES
// =============================================================================

// Callback is invoked once when an event comes due. The returned status is
// observed (zero means success) but never acted upon.
type Callback[O, A any] func(owner O, arg A) int

// Handle identifies a scheduled event for cancellation.
type Handle struct {
	ID     uint64
	Expiry int64
}

// Stats is a point-in-time snapshot of wheel counters.
type Stats struct {
	Scheduled        uint64 `json:"scheduled"`
	Fired            uint64 `json:"fired"`
	Cancelled        uint64 `json:"cancelled"`
	Discarded        uint64 `json:"discarded"`
	CallbackFailures uint64 `json:"callback_failures"`
	CallbackPanics   uint64 `json:"callback_panics"`
	Pending          int    `json:"pending"`
	TrackedSecond    int64  `json:"tracked_second"`
	Cursor           int    `json:"cursor"`
	Lag              int64  `json:"lag_seconds"`
	Slots            int    `json:"slots"`
}

// =============================================================================
// TIMER WHEEL
// =============================================================================

// Wheel is a second-granularity timer wheel firing Callback[O, A] events.
// All methods are safe for concurrent use.
type Wheel[O, A any] struct {
	slots        int
	pollInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	observer     Observer

	// mu is the gate: everything below up to nextID is guarded by it
	mu      sync.Mutex
	buckets []*bucket[O, A]
	cursor  int
	tracked int64
	pending map[uint64]*event[O, A]
	nextID  uint64

	started  atomic.Bool
	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	totalScheduled atomic.Uint64
	totalFired     atomic.Uint64
	totalCancelled atomic.Uint64
	totalDiscarded atomic.Uint64
	totalFailures  atomic.Uint64
	totalPanics    atomic.Uint64
	lastLag        atomic.Int64

	// inflight counts callbacks unlinked from the wheel but not yet returned
	inflight atomic.Int64
}

// New initializes a wheel and starts its sweeper goroutine.
//
// The tracked second starts at the current wall-clock second. Call Close to
// stop the sweeper and drop pending events.
func New[O, A any](config Config) (*Wheel[O, A], error) {
	w, err := newWheel[O, A](config)
	if err != nil {
		return nil, err
	}
	w.start()
	return w, nil
}

// newWheel builds a wheel without starting the sweeper, so tests can drive
// tick() by hand.
func newWheel[O, A any](config Config) (*Wheel[O, A], error) {
	if config.Slots <= 0 {
		return nil, fmt.Errorf("%w: slots must be > 0, got %d", ErrInvalidConfig, config.Slots)
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be > 0, got %v", ErrInvalidConfig, config.PollInterval)
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "wheel")
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}

	w := &Wheel[O, A]{
		slots:        config.Slots,
		pollInterval: config.PollInterval,
		clock:        config.Clock,
		logger:       config.Logger,
		observer:     config.Observer,
		buckets:      make([]*bucket[O, A], config.Slots),
		pending:      make(map[uint64]*event[O, A]),
		stop:         make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = newBucket[O, A]()
	}

	w.tracked = w.clock.Now().Unix()
	w.cursor = w.slotOf(w.tracked)

	return w, nil
}

// start launches the sweeper goroutine once.
func (w *Wheel[O, A]) start() {
	if w.started.Swap(true) {
		return
	}
	w.wg.Add(1)
	go w.run()

	w.logger.Info("timer wheel started",
		"slots", w.slots,
		"poll_interval", w.pollInterval.String(),
		"tracked", w.tracked)
}

// =============================================================================
// PUBLIC API
// =============================================================================

// Schedule registers callback to fire with (owner, arg) once the tracked
// second reaches expiry (absolute Unix seconds).
//
// An expiry in the past is accepted and fires on the next sweep. An expiry
// many revolutions ahead is accepted and never fires early.
//
// Callbacks run without the gate held, so a slow callback does not block
// Schedule or Cancel from other goroutines. Schedule may be called from a
// callback; an event it adds for the current second fires on the next tick,
// not in the sweep that is running.
func (w *Wheel[O, A]) Schedule(callback Callback[O, A], expiry int64, owner O, arg A) (Handle, error) {
	if callback == nil {
		return Handle{}, ErrNilCallback
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return Handle{}, ErrWheelClosed
	}

	w.nextID++
	ev := &event[O, A]{
		id:       w.nextID,
		expiry:   expiry,
		callback: callback,
		owner:    owner,
		arg:      arg,
	}

	// Past expiries go to the cursor bucket; they sort ahead of everything
	// still waiting there.
	if expiry < w.tracked {
		ev.slot = w.cursor
	} else {
		ev.slot = w.slotOf(expiry)
	}
	w.buckets[ev.slot].insert(ev)
	w.pending[ev.id] = ev

	w.totalScheduled.Add(1)
	w.observer.EventScheduled()

	return Handle{ID: ev.id, Expiry: expiry}, nil
}

// ScheduleAfter schedules callback at the wall-clock second delay from now.
func (w *Wheel[O, A]) ScheduleAfter(callback Callback[O, A], delay time.Duration, owner O, arg A) (Handle, error) {
	return w.Schedule(callback, w.clock.Now().Add(delay).Unix(), owner, arg)
}

// Cancel removes a pending event. It returns false if the event already
// fired, was cancelled before, or was dropped by Close.
func (w *Wheel[O, A]) Cancel(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ev, ok := w.pending[h.ID]
	if !ok {
		return false
	}
	if !w.unlinkLocked(ev) {
		return false
	}

	w.totalCancelled.Add(1)
	w.observer.EventCancelled()
	return true
}

// Close is the teardown: it halts the sweeper, then drops every pending event
// without firing it. Close is idempotent and must not be called from inside a
// callback.
func (w *Wheel[O, A]) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	discarded := 0
	for _, b := range w.buckets {
		discarded += b.reset()
	}
	clear(w.pending)

	if w.closed.Swap(true) {
		return nil
	}

	if discarded > 0 {
		w.totalDiscarded.Add(uint64(discarded))
		w.observer.EventsDiscarded(discarded)
	}

	w.logger.Info("timer wheel stopped",
		"discarded", discarded,
		"total_scheduled", w.totalScheduled.Load(),
		"total_fired", w.totalFired.Load(),
		"total_cancelled", w.totalCancelled.Load())

	return nil
}

// Size returns the number of pending events.
func (w *Wheel[O, A]) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// TrackedSecond returns the last wall-clock second the sweeper has reached.
func (w *Wheel[O, A]) TrackedSecond() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracked
}

// Lag returns how many seconds the tracked second trailed the wall clock at
// the last cursor check.
func (w *Wheel[O, A]) Lag() int64 {
	return w.lastLag.Load()
}

// Closed reports whether Close has run.
func (w *Wheel[O, A]) Closed() bool {
	return w.closed.Load()
}

// Stats returns a snapshot of wheel counters.
func (w *Wheel[O, A]) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	tracked := w.tracked
	cursor := w.cursor
	w.mu.Unlock()

	return Stats{
		Scheduled:        w.totalScheduled.Load(),
		Fired:            w.totalFired.Load(),
		Cancelled:        w.totalCancelled.Load(),
		Discarded:        w.totalDiscarded.Load(),
		CallbackFailures: w.totalFailures.Load(),
		CallbackPanics:   w.totalPanics.Load(),
		Pending:          pending,
		TrackedSecond:    tracked,
		Cursor:           cursor,
		Lag:              w.lastLag.Load(),
		Slots:            w.slots,
	}
}

// WaitForEmpty blocks until no events are pending and no callback is running,
// or ctx is done.
func (w *Wheel[O, A]) WaitForEmpty(ctx context.Context) error {
	ticker := w.clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if w.Size() == 0 && w.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// slotOf maps an absolute second to its bucket index.
func (w *Wheel[O, A]) slotOf(second int64) int {
	n := int64(w.slots)
	return int(((second % n) + n) % n)
}

// unlinkLocked removes ev from its bucket and the handle index.
func (w *Wheel[O, A]) unlinkLocked(ev *event[O, A]) bool {
	delete(w.pending, ev.id)
	return w.buckets[ev.slot].remove(ev)
}
