// =============================================================================
// WHEEL METRICS
// =============================================================================
//
// WheelMetrics implements wheel.Observer, so the wheel reports directly into
// Prometheus without importing this package:
//
//   wheel.New(wheel.Config{Observer: registry.Wheel})
//
// KEY SERIES:
//   secwheel_wheel_pending_events        gauge, scheduled minus resolved
//   secwheel_wheel_lag_seconds           gauge, wall clock minus tracked second
//   secwheel_wheel_fire_lateness_seconds histogram, fire time minus expiry
//
// ALERTING:
//   # sweeper cannot keep up
//   secwheel_wheel_lag_seconds > 5
//
// =============================================================================

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WheelMetrics contains timer wheel metrics. Methods are no-ops on a nil
// receiver, so a disabled registry can still be handed to the wheel.
type WheelMetrics struct {
	registry *Registry

	// EventsScheduled counts accepted Schedule calls.
	EventsScheduled prometheus.Counter

	// EventsFired counts callback invocations.
	// Labels: result (ok, failed, panic)
	EventsFired *prometheus.CounterVec

	// EventsCancelled counts successful cancellations.
	EventsCancelled prometheus.Counter

	// EventsDiscardedTotal counts events dropped by teardown.
	EventsDiscardedTotal prometheus.Counter

	// PendingEvents tracks events currently held by the wheel.
	PendingEvents prometheus.Gauge

	// Lag is the last observed wall-clock minus tracked second.
	Lag prometheus.Gauge

	// CursorAdvances counts catch-up steps.
	CursorAdvances prometheus.Counter

	// FireLateness observes how long after its expiry second each event fired.
	FireLateness prometheus.Histogram

	// CallbackStatus counts nonzero callback statuses by value.
	// Labels: status
	CallbackStatus *prometheus.CounterVec
}

func newWheelMetrics(r *Registry) *WheelMetrics {
	m := &WheelMetrics{registry: r}

	m.EventsScheduled = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "events_scheduled_total",
		Help:      "Total number of events accepted by the timer wheel",
	})

	m.EventsFired = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "wheel",
			Name:      "events_fired_total",
			Help:      "Total number of event callbacks invoked, by result",
		},
		[]string{"result"},
	)

	m.EventsCancelled = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "events_cancelled_total",
		Help:      "Total number of pending events cancelled",
	})

	m.EventsDiscardedTotal = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "events_discarded_total",
		Help:      "Total number of pending events dropped at teardown",
	})

	m.PendingEvents = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "wheel",
		Name:      "pending_events",
		Help:      "Number of events waiting in the timer wheel",
	})

	m.Lag = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "wheel",
		Name:      "lag_seconds",
		Help:      "Seconds the tracked second trails the wall clock",
	})

	m.CursorAdvances = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "cursor_checks_total",
		Help:      "Total number of cursor advance checks performed by the sweeper",
	})

	m.FireLateness = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "wheel",
		Name:      "fire_lateness_seconds",
		Help:      "Delay between an event's expiry second and its callback",
		Buckets:   r.config.LatenessBuckets,
	})

	m.CallbackStatus = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "wheel",
			Name:      "callback_nonzero_status_total",
			Help:      "Callback invocations that returned a nonzero status, by status",
		},
		[]string{"status"},
	)

	return m
}

func (m *WheelMetrics) active() bool {
	return m != nil && m.registry.enabled
}

// EventScheduled implements wheel.Observer.
func (m *WheelMetrics) EventScheduled() {
	if !m.active() {
		return
	}
	m.EventsScheduled.Inc()
	m.PendingEvents.Inc()
}

// EventFired implements wheel.Observer.
func (m *WheelMetrics) EventFired(lateness time.Duration, status int) {
	if !m.active() {
		return
	}
	m.PendingEvents.Dec()

	if lateness < 0 {
		lateness = 0
	}
	m.FireLateness.Observe(lateness.Seconds())

	switch {
	case status == 0:
		m.EventsFired.WithLabelValues("ok").Inc()
	case status < 0:
		// -1 is reported for recovered panics; CallbackPanicked counts those
		m.EventsFired.WithLabelValues("panic").Inc()
	default:
		m.EventsFired.WithLabelValues("failed").Inc()
		m.CallbackStatus.WithLabelValues(statusLabel(status)).Inc()
	}
}

// CallbackPanicked implements wheel.Observer.
func (m *WheelMetrics) CallbackPanicked() {
	if !m.active() {
		return
	}
	m.CallbackStatus.WithLabelValues("panic").Inc()
}

// EventCancelled implements wheel.Observer.
func (m *WheelMetrics) EventCancelled() {
	if !m.active() {
		return
	}
	m.EventsCancelled.Inc()
	m.PendingEvents.Dec()
}

// EventsDiscarded implements wheel.Observer.
func (m *WheelMetrics) EventsDiscarded(n int) {
	if !m.active() {
		return
	}
	m.EventsDiscardedTotal.Add(float64(n))
	m.PendingEvents.Sub(float64(n))
}

// CursorAdvanced implements wheel.Observer.
func (m *WheelMetrics) CursorAdvanced(lag int64) {
	if !m.active() {
		return
	}
	m.CursorAdvances.Inc()
	m.Lag.Set(float64(lag))
}

// statusLabel buckets status values so a callback returning arbitrary
// integers cannot blow up cardinality.
func statusLabel(status int) string {
	if status > 0 && status < 16 {
		return strconv.Itoa(status)
	}
	return "other"
}
