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
			Buckets: prometheus.DefBuckets,
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

// Benchmark execution metrics
var (
	// RunsTotal counts finished runs by backend and outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelbench_runs_total",
			Help: "Total number of benchmark runs by backend and status (success, failed)",
		},
		[]string{"backend", "status"},
	)

	// RunDuration tracks wall-clock run time including model load
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accelbench_run_duration_seconds",
			Help:    "Wall-clock duration of benchmark runs by backend",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"backend"},
	)

	// LastTokensPerSecond holds the most recent successful throughput per backend
	LastTokensPerSecond = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accelbench_last_tokens_per_second",
			Help: "Most recent successful generation throughput by backend",
		},
		[]string{"backend"},
	)

	// BatchesActive is 1 while a batch is executing
	BatchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accelbench_batches_active",
			Help: "Number of benchmark batches currently executing",
		},
	)

	// BatchesRejected counts batch requests refused because one was already running
	BatchesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accelbench_batches_rejected_total",
			Help: "Total number of batch requests rejected while another batch was running",
		},
	)
)

// Host inspection metrics
var (
	// ProbeFailures counts failed detection probes by probe name
	ProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelbench_probe_failures_total",
			Help: "Failed host probes by probe (lspci, rocminfo, vulkaninfo, podman, ...)",
		},
		[]string{"probe"},
	)

	// SnapshotDuration tracks how long snapshot collection takes
	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accelbench_snapshot_duration_seconds",
			Help:    "Duration of system snapshot collection",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Store metrics
var (
	// StoreWrites counts result store writes by kind and outcome
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelbench_store_writes_total",
			Help: "Result store writes by kind (snapshot, results) and status (success, error)",
		},
		[]string{"kind", "status"},
	)

	// StoredRows tracks the number of stored rows per table
	StoredRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accelbench_stored_rows",
			Help: "Number of rows in the result store by table",
		},
		[]string{"table"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRun records the outcome of one benchmark run
func RecordRun(backend string, success bool, tokensPerSecond float64, duration time.Duration) {
	status := "failed"
	if success {
		status = "success"
		LastTokensPerSecond.WithLabelValues(backend).Set(tokensPerSecond)
	}
	RunsTotal.WithLabelValues(backend, status).Inc()
	RunDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBatchStarted marks a batch as running
func RecordBatchStarted() {
	BatchesActive.Inc()
}

// RecordBatchFinished marks a batch as done
func RecordBatchFinished() {
	BatchesActive.Dec()
}

// RecordBatchRejected increments the rejected batch counter
func RecordBatchRejected() {
	BatchesRejected.Inc()
}

// RecordProbeFailure increments the probe failure counter
func RecordProbeFailure(probe string) {
	ProbeFailures.WithLabelValues(probe).Inc()
}

// RecordSnapshotDuration records how long snapshot collection took
func RecordSnapshotDuration(duration time.Duration) {
	SnapshotDuration.Observe(duration.Seconds())
}

// RecordStoreWrite records a result store write
func RecordStoreWrite(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreWrites.WithLabelValues(kind, status).Inc()
}

// TableCount holds the row count of one store table
type TableCount struct {
	Table string
	Count int
}

// InitializeStoreMetrics populates gauges from database state on startup.
func InitializeStoreMetrics(ctx context.Context, counts []TableCount) error {
	for _, c := range counts {
		StoredRows.WithLabelValues(c.Table).Set(float64(c.Count))
	}
	slog.InfoContext(ctx, "initialized store metrics from database",
		slog.Int("tables", len(counts)))
	return nil
}
