package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProcessorMetrics tracks the claim/complete/fail/orphan lifecycle of
// queue records and the shape of each batch.
type ProcessorMetrics struct {
	RecordsClaimedTotal   *prometheus.CounterVec
	RecordsCompletedTotal *prometheus.CounterVec
	RecordsFailedTotal    *prometheus.CounterVec
	OrphansRecoveredTotal *prometheus.CounterVec
	RetriesExhaustedTotal *prometheus.CounterVec

	BatchSize            *prometheus.HistogramVec
	BatchDurationSeconds *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
}

// NewProcessorMetrics builds queue processor metrics.
func NewProcessorMetrics(namespace string) *ProcessorMetrics {
	return &ProcessorMetrics{
		RecordsClaimedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "records_claimed_total",
				Help:      "Total number of queue records claimed by this instance",
			},
			[]string{"flow_name"},
		),

		RecordsCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "records_completed_total",
				Help:      "Total number of queue records marked completed",
			},
			[]string{"flow_name"},
		),

		RecordsFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "records_failed_total",
				Help:      "Total number of queue records marked failed",
			},
			[]string{"flow_name", "error_class"},
		),

		OrphansRecoveredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "orphans_recovered_total",
				Help:      "Total number of processing records reset to pending after exceeding the claim age threshold",
			},
			[]string{"flow_name"},
		),

		RetriesExhaustedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "retries_exhausted_total",
				Help:      "Total number of records that exhausted max_retries and moved to failed terminally",
			},
			[]string{"flow_name"},
		),

		BatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "batch_size",
				Help:      "Number of records claimed per batch",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"flow_name"},
		),

		BatchDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "batch_duration_seconds",
				Help:      "Wall-clock time to process one batch end to end",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"flow_name"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "queue_depth",
				Help:      "Number of records currently in each status for a flow",
			},
			[]string{"flow_name", "status"},
		),
	}
}
