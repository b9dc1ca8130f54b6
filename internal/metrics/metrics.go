package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookvoice_remote_call_duration_seconds",
			Help:    "Remote port call duration in seconds by operation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"op", "status"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvoice_retry_attempts_total",
			Help: "Total remote call attempts by operation and outcome",
		},
		[]string{"op", "status"}, // status: "success" / "error"
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookvoice_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~2000s
		},
		[]string{"stage"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvoice_items_processed_total",
			Help: "Items that reached a terminal status, by stage and status",
		},
		[]string{"stage", "status"}, // status: "succeeded" / "failed" / "skipped"
	)

	courtesyWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookvoice_courtesy_wait_duration_seconds",
			Help:    "Time spent waiting on the courtesy-delay limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
	)
)

// Collector provides convenience methods for recording pipeline metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordRemoteCall records a single remote port call's duration
func (c *Collector) RecordRemoteCall(op string, duration time.Duration, success bool) {
	remoteCallDuration.WithLabelValues(op, statusLabel(success)).Observe(duration.Seconds())
}

// RecordAttempts adds the attempts consumed by one retried operation
func (c *Collector) RecordAttempts(op string, attempts int, success bool) {
	retryAttempts.WithLabelValues(op, statusLabel(success)).Add(float64(attempts))
}

// RecordStage records a completed pipeline stage duration
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordItem counts an item reaching a terminal status within a stage
func (c *Collector) RecordItem(stage, status string) {
	itemsProcessed.WithLabelValues(stage, status).Inc()
}

// RecordCourtesyWait records time spent in the rate limiter
func (c *Collector) RecordCourtesyWait(duration time.Duration) {
	courtesyWaitDuration.Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
