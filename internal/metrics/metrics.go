// Package metrics declares the Prometheus collectors shared by the
// coordination substrate. Collectors register on the default registry at
// init, so the /metrics handler only needs promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campaign"

var (
	// JobsTotal counts terminal job outcomes by kind and outcome
	// (completed, cached, failed).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Generation jobs that reached a terminal state.",
	}, []string{"kind", "outcome"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "job_retries_total",
		Help:      "Provider attempts that were retried.",
	}, []string{"kind"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "provider_duration_seconds",
		Help:      "Duration of generation provider calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider", "result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Job ids waiting for a worker.",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "lookups_total",
		Help:      "Result cache lookups by result (hit, miss, expired).",
	}, []string{"result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per provider (0 closed, 1 open, 2 half-open).",
	}, []string{"provider"})

	QuotaUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "usage",
		Help:      "Operations and accrued cost in the current UTC day.",
	}, []string{"quota", "field"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Messages accepted by the bus.",
	}, []string{"type", "mode"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "failed_deliveries_total",
		Help:      "Per-recipient delivery failures by reason.",
	}, []string{"reason"})

	ContextSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "context_store",
		Name:      "saves_total",
		Help:      "Campaign context writes by result (ok, conflict, error).",
	}, []string{"result"})
)
