package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets, // Default: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Accrual metrics
var (
	// WindowsOpened counts usage windows opened by resource type
	WindowsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_windows_opened_total",
			Help: "Total number of usage windows opened by resource type",
		},
		[]string{"resource_type"},
	)

	// WindowsClosed counts usage windows closed by resource type and outcome (billed, error)
	WindowsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_windows_closed_total",
			Help: "Total number of usage windows closed by resource type and outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	// WindowDuration tracks billed window lengths
	WindowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "billing_window_duration_seconds",
			Help: "Length of billed usage windows by resource type",
			// 1m to ~34h
			Buckets: prometheus.ExponentialBuckets(60, 2, 11),
		},
		[]string{"resource_type"},
	)

	// CostAccrued tracks total cost billed
	CostAccrued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_cost_accrued",
			Help: "Total cost billed by resource type, in the configured currency",
		},
		[]string{"resource_type"},
	)

	// RegistrationsActive tracks the number of live accrual chains
	RegistrationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_registrations_active",
			Help: "Number of deployments with a live accrual chain",
		},
	)

	// AccrualRetries counts retried close/fold attempts by stage
	AccrualRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_accrual_retries_total",
			Help: "Total number of retried accrual operations by stage (close, fold)",
		},
		[]string{"stage"},
	)

	// AccrualFailures counts windows whose retries were exhausted, by stage
	AccrualFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_accrual_failures_total",
			Help: "Total number of accrual operations that exhausted their retries by stage",
		},
		[]string{"stage"},
	)

	// RecoveredRecords counts stale active records closed during startup recovery
	RecoveredRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_recovered_records_total",
			Help: "Total number of stale active records closed by startup recovery by outcome",
		},
		[]string{"outcome"},
	)
)

// Billing cycle metrics
var (
	// CyclesCreated counts billing cycles opened
	CyclesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_cycles_created_total",
			Help: "Total number of billing cycles opened",
		},
	)

	// RecordsFolded counts records folded into cycles
	RecordsFolded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_records_folded_total",
			Help: "Total number of usage records folded into billing cycles",
		},
	)

	// FoldConflicts counts lock contention during folds, each retried internally
	FoldConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_fold_conflicts_total",
			Help: "Total number of fold attempts that lost the database lock and were retried",
		},
	)

	// CycleOutcomes counts external cycle closures by resulting status
	CycleOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_cycle_outcomes_total",
			Help: "Total number of billing cycles closed by the payment side, by status",
		},
		[]string{"status"},
	)

	// CyclesNotified counts readiness notifications by result (success, error)
	CyclesNotified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_cycles_notified_total",
			Help: "Total number of cycle readiness notifications by result",
		},
		[]string{"result"},
	)

	// NotifyDuration tracks how long readiness delivery takes
	NotifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "billing_notify_duration_seconds",
			Help: "Duration of cycle readiness notification delivery",
			// Buckets: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	// CycleMismatches counts cycles whose amount differs from the sum of their records
	CycleMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_cycle_mismatches_total",
			Help: "Total number of cycles found with amount != sum of record costs",
		},
	)
)

// Helper functions for common metric operations

// RecordWindowOpened increments the windows opened counter
func RecordWindowOpened(resourceType string) {
	WindowsOpened.WithLabelValues(resourceType).Inc()
}

// RecordWindowBilled records a successful close with its cost and length
func RecordWindowBilled(resourceType string, cost float64, duration time.Duration) {
	WindowsClosed.WithLabelValues(resourceType, "billed").Inc()
	WindowDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
	CostAccrued.WithLabelValues(resourceType).Add(cost)
}

// RecordWindowErrored records a window closed as error
func RecordWindowErrored(resourceType string) {
	WindowsClosed.WithLabelValues(resourceType, "error").Inc()
}

// SetRegistrationsActive sets the live chain gauge
func SetRegistrationsActive(n int) {
	RegistrationsActive.Set(float64(n))
}

// RecordAccrualRetry increments the retry counter for a stage
func RecordAccrualRetry(stage string) {
	AccrualRetries.WithLabelValues(stage).Inc()
}

// RecordAccrualFailure increments the exhausted-retries counter for a stage
func RecordAccrualFailure(stage string) {
	AccrualFailures.WithLabelValues(stage).Inc()
}

// RecordRecovered increments the recovery counter
func RecordRecovered(outcome string) {
	RecoveredRecords.WithLabelValues(outcome).Inc()
}

// RecordFold records a successful fold
func RecordFold(createdCycle bool) {
	RecordsFolded.Inc()
	if createdCycle {
		CyclesCreated.Inc()
	}
}

// RecordFoldConflict increments the fold conflict counter
func RecordFoldConflict() {
	FoldConflicts.Inc()
}

// RecordCycleOutcome increments the outcome counter
func RecordCycleOutcome(status string) {
	CycleOutcomes.WithLabelValues(status).Inc()
}

// RecordCycleNotified records a notification attempt and its duration
func RecordCycleNotified(result string, duration time.Duration) {
	CyclesNotified.WithLabelValues(result).Inc()
	NotifyDuration.Observe(duration.Seconds())
}

// RecordCycleMismatch increments the conservation mismatch counter
func RecordCycleMismatch() {
	CycleMismatches.Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// InitializeAccrualMetrics populates gauges from persisted state on startup,
// before recovery re-registers deployments.
func InitializeAccrualMetrics(ctx context.Context, activeRecords int) {
	SetRegistrationsActive(0)
	slog.InfoContext(ctx, "initialized accrual metrics from database",
		slog.Int("active_records", activeRecords))
}
