// =============================================================================
// LOAD GENERATOR - CONCURRENT PRODUCERS AGAINST ONE WHEEL
// =============================================================================
//
// Several producer goroutines hammer a single wheel with events due a fixed
// delay from now, each owned by a random user id. Every callback records
// which event fired, so the run can prove that nothing was lost and nothing
// fired twice.
//
// With Trace set, the run writes one line per schedule and one per fire:
//
//   in uid:5577006791947779410|1760000000
//   out uid:5577006791947779410|1760000001
//
// The second field is the wall-clock second at which the line was written.
//
// =============================================================================

package loadgen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/errgroup"

	"secwheel/internal/wheel"
)

// Config controls a load run.
type Config struct {
	// Producers is the number of concurrent scheduling goroutines.
	Producers int

	// EventsPerProducer is how many events each producer schedules.
	EventsPerProducer int

	// Delay is added to the current time to compute each expiry.
	Delay time.Duration

	// Wheel configures the wheel under test. Its Clock is also used for the
	// trace timestamps and lateness.
	Wheel wheel.Config

	// DrainTimeout bounds the wait for every event to fire after the last
	// one is scheduled.
	DrainTimeout time.Duration

	// Trace, when set, receives the in/out lines.
	Trace io.Writer

	// Seed seeds the owner id generator. Zero picks a time-based seed.
	Seed int64

	Logger *slog.Logger
}

// DefaultConfig mirrors the classic demo: four producers, one-second delay.
func DefaultConfig() Config {
	return Config{
		Producers:         4,
		EventsPerProducer: 100000,
		Delay:             time.Second,
		Wheel:             wheel.DefaultConfig(),
		DrainTimeout:      30 * time.Second,
	}
}

// Report summarizes a load run.
type Report struct {
	Scheduled   int64         `json:"scheduled"`
	Fired       int64         `json:"fired"`
	Duplicates  int64         `json:"duplicates"`
	Rejected    int64         `json:"rejected"`
	Missing     int64         `json:"missing"`
	MaxLateness time.Duration `json:"max_lateness"`
	Elapsed     time.Duration `json:"elapsed"`
}

// OK reports whether every scheduled event fired exactly once.
func (r Report) OK() bool {
	return r.Rejected == 0 && r.Duplicates == 0 && r.Missing == 0 && r.Fired == r.Scheduled
}

func (r Report) String() string {
	return fmt.Sprintf("scheduled=%d fired=%d duplicates=%d rejected=%d missing=%d max_lateness=%s elapsed=%s",
		r.Scheduled, r.Fired, r.Duplicates, r.Rejected, r.Missing, r.MaxLateness, r.Elapsed.Round(time.Millisecond))
}

// ErrInvalidConfig means Run was given unusable parameters.
var ErrInvalidConfig = errors.New("invalid load configuration")

// event identifies one scheduled callback.
type event struct {
	Seq    int64
	Expiry int64
}

// run holds the shared state of one load run.
type run struct {
	clock clock.Clock
	trace *traceWriter

	mu    sync.Mutex
	fires map[int64]int // seq -> times fired

	fired      atomic.Int64
	duplicates atomic.Int64
	lateness   atomic.Int64 // max, nanoseconds
}

// Run schedules Producers x EventsPerProducer events, waits for them to fire
// and reports what happened. A canceled ctx stops producers early; the
// report then covers whatever was scheduled.
func Run(ctx context.Context, config Config) (Report, error) {
	if config.Producers <= 0 || config.EventsPerProducer <= 0 {
		return Report{}, fmt.Errorf("%w: producers and events must be positive", ErrInvalidConfig)
	}
	if config.Delay < 0 {
		return Report{}, fmt.Errorf("%w: delay must not be negative", ErrInvalidConfig)
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if config.Wheel.Clock == nil {
		config.Wheel.Clock = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loadgen")
	if config.Wheel.Logger == nil {
		config.Wheel.Logger = logger
	}

	w, err := wheel.New[int64, event](config.Wheel)
	if err != nil {
		return Report{}, err
	}
	defer w.Close()

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	r := &run{
		clock: config.Wheel.Clock,
		trace: newTraceWriter(config.Trace),
		fires: make(map[int64]int, config.Producers*config.EventsPerProducer),
	}
	defer r.trace.flush()

	logger.Info("load run starting",
		"producers", config.Producers,
		"events_per_producer", config.EventsPerProducer,
		"delay", config.Delay)

	start := time.Now()
	var seq, scheduled, rejected atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < config.Producers; p++ {
		rng := rand.New(rand.NewSource(seed + int64(p)))
		g.Go(func() error {
			for i := 0; i < config.EventsPerProducer; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				uid := rng.Int63()
				now := r.clock.Now()
				r.trace.line("in", uid, now.Unix())

				ev := event{Seq: seq.Add(1), Expiry: now.Add(config.Delay).Unix()}
				if _, err := w.Schedule(r.callback, ev.Expiry, uid, ev); err != nil {
					rejected.Add(1)
					logger.Warn("schedule rejected", "uid", uid, "error", err)
					continue
				}
				scheduled.Add(1)
			}
			return nil
		})
	}
	produceErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), config.DrainTimeout)
	defer cancel()
	drainErr := w.WaitForEmpty(drainCtx)
	pending := w.Size()
	w.Close()

	report := Report{
		Scheduled:   scheduled.Load(),
		Fired:       r.fired.Load(),
		Duplicates:  r.duplicates.Load(),
		Rejected:    rejected.Load(),
		MaxLateness: time.Duration(r.lateness.Load()),
		Elapsed:     time.Since(start),
	}
	report.Missing = report.Scheduled - r.distinct()

	logger.Info("load run finished", "report", report.String())

	if produceErr != nil {
		return report, produceErr
	}
	if drainErr != nil {
		return report, fmt.Errorf("waiting for %d pending events: %w", pending, drainErr)
	}
	return report, nil
}

// callback runs on the sweeper goroutine.
func (r *run) callback(uid int64, ev event) int {
	now := r.clock.Now()
	r.trace.line("out", uid, now.Unix())

	r.mu.Lock()
	r.fires[ev.Seq]++
	dup := r.fires[ev.Seq] > 1
	r.mu.Unlock()

	if dup {
		r.duplicates.Add(1)
	}
	r.fired.Add(1)

	late := int64(now.Sub(time.Unix(ev.Expiry, 0)))
	for {
		cur := r.lateness.Load()
		if late <= cur || r.lateness.CompareAndSwap(cur, late) {
			break
		}
	}
	return 0
}

func (r *run) distinct() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.fires))
}

// =============================================================================
// TRACE OUTPUT
// =============================================================================

// traceWriter serializes trace lines from producers and the sweeper.
type traceWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newTraceWriter(w io.Writer) *traceWriter {
	if w == nil {
		return nil
	}
	return &traceWriter{w: bufio.NewWriter(w)}
}

func (t *traceWriter) line(dir string, uid, sec int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fmt.Fprintf(t.w, "%s uid:%d|%d\n", dir, uid, sec)
	t.mu.Unlock()
}

func (t *traceWriter) flush() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.w.Flush()
	t.mu.Unlock()
}
