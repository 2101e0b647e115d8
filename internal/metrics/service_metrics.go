package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServiceMetrics covers the job layer: how jobs were scheduled, cron
// rescheduling, and webhook delivery.
type ServiceMetrics struct {
	registry *Registry

	// JobsScheduled counts jobs accepted by the service.
	// Labels: kind (at, delay, cron)
	JobsScheduled *prometheus.CounterVec

	// JobsCancelled counts jobs cancelled by ID.
	JobsCancelled prometheus.Counter

	// ActiveJobs tracks jobs with a pending occurrence.
	ActiveJobs prometheus.Gauge

	// CronReschedules counts follow-up occurrences scheduled from a callback.
	// Labels: result (ok, error)
	CronReschedules *prometheus.CounterVec

	// WebhookDeliveries counts webhook attempts.
	// Labels: result (ok, error, dropped)
	WebhookDeliveries *prometheus.CounterVec

	// WebhookLatency observes webhook POST round trips.
	WebhookLatency prometheus.Histogram
}

func newServiceMetrics(r *Registry) *ServiceMetrics {
	m := &ServiceMetrics{registry: r}

	m.JobsScheduled = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "service",
			Name:      "jobs_scheduled_total",
			Help:      "Total number of jobs scheduled, by kind",
		},
		[]string{"kind"},
	)

	m.JobsCancelled = r.newCounter(prometheus.CounterOpts{
		Subsystem: "service",
		Name:      "jobs_cancelled_total",
		Help:      "Total number of jobs cancelled",
	})

	m.ActiveJobs = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "service",
		Name:      "active_jobs",
		Help:      "Number of jobs with a pending occurrence",
	})

	m.CronReschedules = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "service",
			Name:      "cron_reschedules_total",
			Help:      "Total number of recurring job reschedules, by result",
		},
		[]string{"result"},
	)

	m.WebhookDeliveries = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "service",
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook notifications, by result",
		},
		[]string{"result"},
	)

	m.WebhookLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "service",
		Name:      "webhook_latency_seconds",
		Help:      "Webhook POST round-trip latency",
	})

	return m
}

// RecordScheduled records a new job of the given kind.
func (m *ServiceMetrics) RecordScheduled(kind string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.JobsScheduled.WithLabelValues(kind).Inc()
	m.ActiveJobs.Inc()
}

// RecordCancelled records a cancelled job.
func (m *ServiceMetrics) RecordCancelled() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.JobsCancelled.Inc()
	m.ActiveJobs.Dec()
}

// RecordCompleted records a job that will not fire again.
func (m *ServiceMetrics) RecordCompleted() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ActiveJobs.Dec()
}

// RecordReschedule records a cron follow-up attempt.
func (m *ServiceMetrics) RecordReschedule(ok bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	if ok {
		m.CronReschedules.WithLabelValues("ok").Inc()
		return
	}
	m.CronReschedules.WithLabelValues("error").Inc()
}

// RecordWebhook records one webhook outcome: "ok", "error" or "dropped".
// latency is ignored for dropped notifications.
func (m *ServiceMetrics) RecordWebhook(result string, latency float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
	if result != "dropped" {
		m.WebhookLatency.Observe(latency)
	}
}
