package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current number of tasks queued per partition",
		},
		[]string{"partition"},
	)

	QueueOldestTaskAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_oldest_task_age_seconds",
			Help: "Age of the oldest queued task across all partitions",
		},
	)

	QueueProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_queue_processed_total",
			Help: "Total tasks dequeued for processing",
		},
	)

	QueueBackpressureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_backpressure_active",
			Help: "Whether the queue is currently applying backpressure (1/0)",
		},
	)

	QueueOverflowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_queue_overflow_total",
			Help: "Total enqueue attempts rejected with QUEUE_OVERFLOW",
		},
	)

	// Worker pool metrics
	WorkerPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_worker_pool_size",
			Help: "Current number of workers in the pool",
		},
	)

	WorkerPoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_worker_pool_busy",
			Help: "Current number of busy workers",
		},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_worker_restarts_total",
			Help: "Total workers restarted after exceeding the error threshold",
		},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Error handler metrics
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Total task retry attempts scheduled",
		},
	)

	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
	)

	DeadLetterQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_dead_letter_queue_size",
			Help: "Current number of entries in the dead-letter queue",
		},
	)

	// Batch processor metrics
	BatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batches_processed_total",
			Help: "Total batches processed by type",
		},
		[]string{"batch_type"},
	)

	BatchProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_processing_duration_seconds",
			Help:    "Batch processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"batch_type"},
	)

	FragmentCyclesRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_fragment_cycles_rejected_total",
			Help: "Total fragment sets rejected due to DEPENDENCY_CYCLE",
		},
	)

	// Pipeline metrics
	PipelineLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_pipeline_latency_seconds",
			Help:    "End-to-end latency from ingestChangeEvent to batch write",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineErrorRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_pipeline_error_rate",
			Help: "Rolling error rate observed by the ingestion pipeline",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_sessions_active",
			Help: "Current number of active sessions",
		},
	)

	SessionEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_session_events_total",
			Help: "Total session events appended",
		},
	)

	// Checkpoint job metrics
	CheckpointJobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_checkpoint_jobs_queued",
			Help: "Current number of queued checkpoint jobs",
		},
	)

	CheckpointJobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_checkpoint_jobs_completed_total",
			Help: "Total checkpoint jobs completed successfully",
		},
	)

	CheckpointJobsDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_checkpoint_jobs_dead_lettered_total",
			Help: "Total checkpoint jobs moved to manual_intervention",
		},
	)

	CheckpointJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_checkpoint_job_duration_seconds",
			Help:    "Checkpoint job attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rollback metrics
	RollbackOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rollback_operations_total",
			Help: "Total rollback operations by outcome",
		},
		[]string{"status"},
	)

	RollbackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_rollback_duration_seconds",
			Help:    "Rollback operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollbackPointsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_rollback_points_expired_total",
			Help: "Total rollback points removed by the expiry sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth, QueueOldestTaskAge, QueueProcessedTotal, QueueBackpressureActive, QueueOverflowTotal,
		WorkerPoolSize, WorkerPoolBusy, WorkerRestartsTotal, TaskDuration,
		RetriesTotal, CircuitBreakerState, DeadLetterQueueSize,
		BatchesProcessedTotal, BatchProcessingDuration, FragmentCyclesRejectedTotal,
		PipelineLatency, PipelineErrorRate,
		SessionsActive, SessionEventsTotal,
		CheckpointJobsQueued, CheckpointJobsCompletedTotal, CheckpointJobsDeadLetteredTotal, CheckpointJobDuration,
		RollbackOperationsTotal, RollbackDuration, RollbackPointsExpiredTotal,
	)
}

// Handler returns the HTTP handler serving Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing elapsed duration
// into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
