package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsRecorded counts error records by category and severity
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_errors_recorded_total",
			Help: "Total number of error records created",
		},
		[]string{"category", "severity"},
	)

	// RetryOutcomes counts retry sweep results per category
	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retry_outcomes_total",
			Help: "Retry attempts by outcome (resolved, rescheduled, failed, skipped)",
		},
		[]string{"category", "outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_retry_sweep_duration_seconds",
			Help:    "Duration of a retry sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WebhookDeliveries counts delivery attempts per event and outcome
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"event", "outcome"},
	)

	WebhookLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_webhook_delivery_duration_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"event"},
	)

	AuditEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_audit_entries_total",
			Help: "Total number of audit log entries by risk level",
		},
		[]string{"risk_level"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_alerts_raised_total",
			Help: "Alerts raised by source (error, audit) and level",
		},
		[]string{"source", "level"},
	)

	ScheduledTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_scheduled_tasks_total",
			Help: "Scheduled task executions by task name and outcome",
		},
		[]string{"task", "outcome"},
	)
)
