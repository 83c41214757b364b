// Package pipeline implements the ingestion pipeline: the orchestrator
// wiring the task queue, worker pool, error handler, and
// batch processor into the public ingest/enrich/lifecycle surface the
// rest of the system calls.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/repograph/pkg/batch"
	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/queue"
	"github.com/cuemby/repograph/pkg/resilience"
	"github.com/cuemby/repograph/pkg/tracing"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/cuemby/repograph/pkg/workerpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// FragmentExtractor turns a change event into the graph fragments it
// implies. The pipeline only orchestrates queueing and batching; the
// language-specific extraction that produces fragments from source files
// is a pluggable collaborator, injected the same way the session bridge
// treats the graph query backend.
type FragmentExtractor interface {
	Extract(ctx context.Context, event *types.ChangeEvent) ([]*types.ChangeFragment, error)
}

// EnrichmentHandler performs low-priority enrichment work scheduled via
// ScheduleEnrichment (embeddings, semantic clustering, etc).
type EnrichmentHandler interface {
	Enrich(ctx context.Context, task *types.Task) error
}

// AlertConfig configures the threshold-based alerting loop.
type AlertConfig struct {
	Interval            time.Duration
	QueueDepthThreshold int
	ErrorRateThreshold  float64 // 0..1
	P95LatencyMs        int
}

// Config configures the pipeline.
type Config struct {
	EnrichmentPriority int // Task.Priority assigned to scheduled enrichment work
	DrainPollInterval  time.Duration
	Alert              AlertConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnrichmentPriority: 9,
		DrainPollInterval:  100 * time.Millisecond,
		Alert: AlertConfig{
			Interval:            15 * time.Second,
			QueueDepthThreshold: 50000,
			ErrorRateThreshold:  0.1,
			P95LatencyMs:        5000,
		},
	}
}

// State is the pipeline's lifecycle position.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// Pipeline is the ingestion pipeline.
type Pipeline struct {
	cfg       Config
	queue     *queue.Manager
	pool      *workerpool.Pool
	errors    *resilience.ErrorHandler
	batch     *batch.Processor
	extractor FragmentExtractor
	enricher  EnrichmentHandler
	broker    *events.Broker
	logger    zerolog.Logger

	source *multiSource

	mu    sync.Mutex
	state State

	successCount int64
	failureCount int64
	latMu        sync.Mutex
	latencies    []time.Duration

	stopAlerts chan struct{}
}

// New builds a Pipeline, constructing its own worker pool over poolCfg so
// Pause/Resume can gate the exact Source the pool dequeues from. enricher
// may be nil, in which case scheduled enrichment tasks fail with
// CodeMissingHandler until one is configured.
func New(cfg Config, poolCfg workerpool.Config, q *queue.Manager, eh *resilience.ErrorHandler, bp *batch.Processor, extractor FragmentExtractor, enricher EnrichmentHandler, broker *events.Broker) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		queue:     q,
		errors:    eh,
		batch:     bp,
		extractor: extractor,
		enricher:  enricher,
		broker:    broker,
		logger:    log.WithComponent("pipeline"),
		state:     StateInitialized,
	}
	if len(poolCfg.WorkerTypes) == 0 {
		poolCfg.WorkerTypes = []types.TaskType{types.TaskParse, types.TaskEnrich}
	}
	p.source = &multiSource{mgr: q}
	p.pool = workerpool.New(poolCfg, p.source, workerpool.HandlerFunc(p.Handle))
	return p
}

// multiSource round-robins a workerpool.Source across every queue partition,
// and returns no task while paused.
type multiSource struct {
	mgr    *queue.Manager
	next   int32
	paused int32
}

func (s *multiSource) Dequeue() *types.Task {
	if atomic.LoadInt32(&s.paused) == 1 {
		return nil
	}
	n := s.mgr.PartitionCount()
	for i := 0; i < n; i++ {
		idx := int(atomic.AddInt32(&s.next, 1)-1) % n
		if idx < 0 {
			idx += n
		}
		if t := s.mgr.Dequeue(idx); t != nil {
			return t
		}
	}
	return nil
}

// Handle implements workerpool.Handler, dispatching parse and enrichment
// tasks through the extractor/batch processor or the enrichment handler.
func (p *Pipeline) Handle(ctx context.Context, task *types.Task) workerpool.WorkerResult {
	ctx, span := tracing.StartSpan(ctx, "ingestion.cycle",
		attribute.String("task_id", task.ID), attribute.String("task_type", string(task.Type)))

	timer := metrics.NewTimer()
	var err error
	defer func() { tracing.EndWithError(span, err) }()
	switch task.Type {
	case types.TaskParse:
		err = p.handleParse(ctx, task)
	case types.TaskEnrich:
		err = p.handleEnrich(ctx, task)
	default:
		err = kgerrors.Business(kgerrors.CodeUnknownTaskType, "pipeline has no handler for task type %s", task.Type)
	}
	d := timer.Duration()
	p.recordLatency(d)
	metrics.PipelineLatency.Observe(d.Seconds())

	if err == nil {
		p.errors.RecordSuccess()
		atomic.AddInt64(&p.successCount, 1)
		return workerpool.WorkerResult{Success: true, DurationMs: d.Milliseconds()}
	}

	atomic.AddInt64(&p.failureCount, 1)
	outcome := p.errors.Handle(task, err)
	if outcome == resilience.OutcomeRetried {
		if rqErr := p.queue.Requeue(task); rqErr != nil {
			logger := log.ForTask(p.logger, task)
			logger.Warn().Err(rqErr).Msg("failed to requeue task after retry decision")
		}
	}
	return workerpool.WorkerResult{Success: false, Error: err, DurationMs: d.Milliseconds()}
}

func (p *Pipeline) handleParse(ctx context.Context, task *types.Task) error {
	event, ok := task.Payload.(*types.ChangeEvent)
	if !ok {
		return kgerrors.Programmer(kgerrors.CodeValidation, "parse task %s payload is not *ChangeEvent", task.ID)
	}
	fragments, err := p.extractor.Extract(ctx, event)
	if err != nil {
		return kgerrors.Durable(err, "extract fragments for event %s", event.EventID)
	}
	if len(fragments) == 0 {
		return nil
	}
	return p.batch.ProcessFragments(ctx, fragments)
}

func (p *Pipeline) handleEnrich(ctx context.Context, task *types.Task) error {
	if p.enricher == nil {
		return kgerrors.Business(kgerrors.CodeMissingHandler, "no enrichment handler configured for task %s", task.ID)
	}
	return p.enricher.Enrich(ctx, task)
}

// ProcessChangeFragments writes fragments straight to the batch processor,
// bypassing extraction entirely.
func (p *Pipeline) ProcessChangeFragments(ctx context.Context, fragments []*types.ChangeFragment) error {
	return p.batch.ProcessFragments(ctx, fragments)
}

// IngestChangeEvent converts a change event into a parse task and enqueues
// it, computing priority from an explicit override or a file-path heuristic.
// New events are only accepted while running; a paused or stopped pipeline
// rejects them so callers can apply their own backpressure.
func (p *Pipeline) IngestChangeEvent(e *types.ChangeEvent) error {
	if st := p.State(); st != StateRunning {
		return kgerrors.Business(kgerrors.CodeValidation, "pipeline is %s, not accepting events", st)
	}
	task := &types.Task{
		ID:           "task_" + e.EventID,
		Type:         types.TaskParse,
		Payload:      e,
		Priority:     priorityFor(e),
		PartitionKey: e.Path,
		MaxRetries:   3,
	}
	if err := p.queue.Enqueue(task); err != nil {
		return err
	}
	if p.broker != nil {
		p.broker.Publish(&events.Event{Type: events.EventJobEnqueued, TaskID: task.ID, Message: e.Path})
	}
	return nil
}

// IngestChangeEvents ingests a batch of change events, continuing past
// individual enqueue failures and returning one error per failed event in
// the same order (nil entries mark successes).
func (p *Pipeline) IngestChangeEvents(changes []*types.ChangeEvent) []error {
	errs := make([]error, len(changes))
	for i, e := range changes {
		errs[i] = p.IngestChangeEvent(e)
	}
	return errs
}

// ScheduleEnrichment submits low-priority enrichment work to the same
// queue, at EnrichmentPriority rather than the caller's own priority.
func (p *Pipeline) ScheduleEnrichment(t *types.Task) error {
	t.Type = types.TaskEnrich
	t.Priority = p.cfg.EnrichmentPriority
	return p.queue.Enqueue(t)
}

// priorityFor computes a task priority (0 highest) from an explicit
// override or a file-path heuristic: deletions and core source files rank
// above directory churn, which ranks above tests, docs, and config.
func priorityFor(e *types.ChangeEvent) int {
	if e.Priority != nil {
		return *e.Priority
	}
	base := e.Path
	ext := strings.ToLower(filepath.Ext(base))
	lower := strings.ToLower(base)

	switch {
	case e.Kind == types.ChangeFileDeleted:
		return 1
	case strings.Contains(lower, "_test.") || strings.Contains(lower, "/test/") || strings.Contains(lower, ".spec."):
		return 3
	case ext == ".md" || ext == ".yaml" || ext == ".yml" || ext == ".json" || strings.Contains(lower, "readme"):
		return 4
	case e.Kind == types.ChangeDirAdded || e.Kind == types.ChangeDirDeleted:
		return 2
	default:
		return 1
	}
}

// Start transitions initialized -> running: launches the queue's metrics
// loop, the worker pool, and the alert monitor.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInitialized {
		return kgerrors.Business(kgerrors.CodeValidation, "pipeline cannot start from state %s", p.state)
	}
	p.queue.Start()
	p.pool.Start()
	p.stopAlerts = make(chan struct{})
	go p.monitor()
	p.state = StateRunning
	return nil
}

// Pause stops workers from pulling new tasks without tearing anything down.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return kgerrors.Business(kgerrors.CodeValidation, "pipeline cannot pause from state %s", p.state)
	}
	atomic.StoreInt32(&p.source.paused, 1)
	p.state = StatePaused
	return nil
}

// Resume lets workers pull tasks again after Pause.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return kgerrors.Business(kgerrors.CodeValidation, "pipeline cannot resume from state %s", p.state)
	}
	atomic.StoreInt32(&p.source.paused, 0)
	p.state = StateRunning
	return nil
}

// Stop transitions running/paused -> stopping -> stopped, draining the
// worker pool within its configured shutdown grace.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StatePaused {
		p.mu.Unlock()
		return kgerrors.Business(kgerrors.CodeValidation, "pipeline cannot stop from state %s", p.state)
	}
	p.state = StateStopping
	p.mu.Unlock()

	close(p.stopAlerts)
	p.pool.Stop()
	p.queue.Stop()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	return nil
}

// WaitForCompletion blocks until every partition drains or timeout elapses.
func (p *Pipeline) WaitForCompletion(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.queue.WaitForDrain(ctx, p.cfg.DrainPollInterval)
}

// State reports the pipeline's current lifecycle position.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	p.latencies = append(p.latencies, d)
	if len(p.latencies) > 1000 {
		p.latencies = p.latencies[len(p.latencies)-1000:]
	}
}

func (p *Pipeline) p95Latency() time.Duration {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	if len(p.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), p.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (p *Pipeline) errorRate() float64 {
	s := atomic.LoadInt64(&p.successCount)
	f := atomic.LoadInt64(&p.failureCount)
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}

// monitor periodically checks queue depth, error rate, and P95 latency
// against configured thresholds, publishing an alert event on breach.
func (p *Pipeline) monitor() {
	ticker := time.NewTicker(p.cfg.Alert.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkAlerts()
		case <-p.stopAlerts:
			return
		}
	}
}

func (p *Pipeline) checkAlerts() {
	depth := p.queue.Depth()
	errRate := p.errorRate()
	p95 := p.p95Latency()
	metrics.PipelineErrorRate.Set(errRate)

	if depth > p.cfg.Alert.QueueDepthThreshold {
		p.alert("queue_depth", fmt.Sprintf("queue depth %d exceeds threshold %d", depth, p.cfg.Alert.QueueDepthThreshold))
	}
	if errRate > p.cfg.Alert.ErrorRateThreshold {
		p.alert("error_rate", fmt.Sprintf("error rate %.3f exceeds threshold %.3f", errRate, p.cfg.Alert.ErrorRateThreshold))
	}
	if p.cfg.Alert.P95LatencyMs > 0 && p95.Milliseconds() > int64(p.cfg.Alert.P95LatencyMs) {
		p.alert("p95_latency", fmt.Sprintf("p95 latency %dms exceeds threshold %dms", p95.Milliseconds(), p.cfg.Alert.P95LatencyMs))
	}
}

func (p *Pipeline) alert(kind, message string) {
	p.logger.Warn().Str("alert", kind).Msg(message)
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{Type: events.EventMetricsUpdated, Message: message, Alert: kind})
}
