// Package metrics exposes the daemon's Prometheus instruments. They are
// registered on the default registry and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backup runs
	BackupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_runs_total",
			Help: "Total number of backup runs by result",
		},
		[]string{"result"}, // success, failure
	)

	BackupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backup_run_duration_seconds",
			Help:    "Duration of backup runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	BackupBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_batches_total",
			Help: "Total number of fetched backup batches by outcome",
		},
		[]string{"outcome"}, // ok, empty, error, timeout
	)

	BackupNewMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_messages_new_total",
			Help: "Total number of messages appended to snapshots",
		},
	)

	// Remote source
	SourceHistoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_history_requests_total",
			Help: "Total number of on-demand history requests sent to the phone",
		},
		[]string{"result"}, // sent, error, rejected
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Outbox and relay
	OutboxSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_sends_total",
			Help: "Total number of outbox send attempts by result",
		},
		[]string{"result"}, // sent, failed
	)

	RelayJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_jobs_total",
			Help: "Total number of relay jobs by result",
		},
		[]string{"result"}, // queued, invalid, error
	)

	// HTTP
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordBackupRun records the outcome and duration of one backup run.
func RecordBackupRun(success bool, d time.Duration, newMessages int) {
	result := "success"
	if !success {
		result = "failure"
	}
	BackupRuns.WithLabelValues(result).Inc()
	BackupRunDuration.Observe(d.Seconds())
	if newMessages > 0 {
		BackupNewMessages.Add(float64(newMessages))
	}
}

// RecordBatch counts one batch fetch by outcome.
func RecordBatch(outcome string) {
	BackupBatches.WithLabelValues(outcome).Inc()
}
