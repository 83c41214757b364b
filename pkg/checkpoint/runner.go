// Package checkpoint implements the checkpoint job runner: a
// bounded-concurrency job queue that materializes session checkpoints in
// the graph service, persists job state through a sqlite-backed store so
// pending work survives restart, and retries with fixed delay before
// dead-lettering. Jobs for one session run FIFO, one at a time; jobs for
// different sessions run concurrently.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/tracing"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// GraphCheckpointer is the subset of the external graph service the runner
// needs: creating the checkpoint entity, annotating session relationships,
// linking, and cleanup on final failure.
type GraphCheckpointer interface {
	CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason types.CheckpointReason, hops int, window *time.Duration) (checkpointID string, err error)
	AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID, checkpointIDOrLabel string) error
	CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, status string) error
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// Persistence is the injected job persistence interface.
type Persistence interface {
	Initialize(ctx context.Context) error
	Upsert(ctx context.Context, snapshot *types.CheckpointJobSnapshot) error
	Delete(ctx context.Context, id string) error
	LoadPending(ctx context.Context) ([]*types.CheckpointJobSnapshot, error)
	LoadDeadLetters(ctx context.Context) ([]*types.CheckpointJobSnapshot, error)
}

// Config configures the runner.
type Config struct {
	Concurrency  int
	RetryDelay   time.Duration
	MaxAttempts  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 4, RetryDelay: 500 * time.Millisecond, MaxAttempts: 3}
}

// Runner is the checkpoint job runner.
type Runner struct {
	cfg     Config
	graph   GraphCheckpointer
	persist Persistence
	broker  *events.Broker
	logger  zerolog.Logger

	queue   chan *types.CheckpointJob
	counter int64

	mu   sync.Mutex
	jobs map[string]*types.CheckpointJob // pending/running, by id, for hydration dedup

	// sessionBusy marks sessions with a job dispatched or retrying;
	// sessionBacklog holds that session's later jobs in arrival order.
	seqMu          sync.Mutex
	sessionBusy    map[string]bool
	sessionBacklog map[string][]*types.CheckpointJob

	dlqMu sync.Mutex
	dlq   map[string]*types.CheckpointJob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner builds a Runner. Call Hydrate before Start to restore pending
// and dead-lettered jobs from a previous process.
func NewRunner(cfg Config, graph GraphCheckpointer, persist Persistence, broker *events.Broker) *Runner {
	return &Runner{
		cfg:            cfg,
		graph:          graph,
		persist:        persist,
		broker:         broker,
		logger:         log.WithComponent("checkpoint-runner"),
		queue:          make(chan *types.CheckpointJob, 1024),
		jobs:           make(map[string]*types.CheckpointJob),
		dlq:            make(map[string]*types.CheckpointJob),
		sessionBusy:    make(map[string]bool),
		sessionBacklog: make(map[string][]*types.CheckpointJob),
		stopCh:         make(chan struct{}),
	}
}

// Hydrate loads pending and dead-lettered jobs from persistence, skipping
// any id already known to the in-memory queue.
func (r *Runner) Hydrate(ctx context.Context) error {
	if err := r.persist.Initialize(ctx); err != nil {
		return kgerrors.Durable(err, "failed to initialize checkpoint persistence")
	}

	pending, err := r.persist.LoadPending(ctx)
	if err != nil {
		return kgerrors.Durable(err, "failed to load pending checkpoint jobs")
	}
	for _, snap := range pending {
		job, err := snapshotToJob(snap)
		if err != nil {
			r.logger.Warn().Str("job_id", snap.ID).Err(err).Msg("skipping unhydratable checkpoint job")
			continue
		}
		r.mu.Lock()
		if _, dup := r.jobs[job.ID]; dup {
			r.mu.Unlock()
			continue
		}
		r.jobs[job.ID] = job
		r.mu.Unlock()
		job.Status = types.JobQueued
		r.dispatch(job)
	}

	deadLetters, err := r.persist.LoadDeadLetters(ctx)
	if err != nil {
		return kgerrors.Durable(err, "failed to load checkpoint dead letters")
	}
	r.dlqMu.Lock()
	for _, snap := range deadLetters {
		job, err := snapshotToJob(snap)
		if err != nil {
			continue
		}
		r.dlq[job.ID] = job
	}
	r.dlqMu.Unlock()

	metrics.CheckpointJobsQueued.Set(float64(len(r.queue)))
	return nil
}

// NextJobID generates a monotonic job id: checkpoint_job_{epoch_ms}_{counter}.
func (r *Runner) NextJobID() string {
	n := atomic.AddInt64(&r.counter, 1)
	return fmt.Sprintf("checkpoint_job_%d_%d", time.Now().UnixMilli(), n)
}

// Submit enqueues a new checkpoint job, assigning it an id if unset.
func (r *Runner) Submit(job *types.CheckpointJob) {
	if job.ID == "" {
		job.ID = r.NextJobID()
	}
	job.Status = types.JobQueued
	job.QueuedAt = time.Now()

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.persistAsync(job)
	metrics.CheckpointJobsQueued.Set(float64(len(r.queue) + 1))
	r.dispatch(job)
}

// dispatch hands job to a worker if its session is free, otherwise parks
// it behind the session's in-flight job: checkpoint jobs stay FIFO per
// session while different sessions run concurrently.
func (r *Runner) dispatch(job *types.CheckpointJob) {
	sid := job.Payload.SessionID
	r.seqMu.Lock()
	if r.sessionBusy[sid] {
		r.sessionBacklog[sid] = append(r.sessionBacklog[sid], job)
		r.seqMu.Unlock()
		return
	}
	r.sessionBusy[sid] = true
	r.seqMu.Unlock()

	select {
	case r.queue <- job:
	case <-r.stopCh:
	}
}

// release frees a session after its job reached a terminal state, handing
// the next parked job (if any) to the workers.
func (r *Runner) release(sessionID string) {
	r.seqMu.Lock()
	backlog := r.sessionBacklog[sessionID]
	if len(backlog) == 0 {
		delete(r.sessionBusy, sessionID)
		delete(r.sessionBacklog, sessionID)
		r.seqMu.Unlock()
		return
	}
	next := backlog[0]
	r.sessionBacklog[sessionID] = backlog[1:]
	r.seqMu.Unlock()

	select {
	case r.queue <- next:
	case <-r.stopCh:
	}
}

// Start launches Concurrency worker goroutines draining the FIFO queue.
func (r *Runner) Start() {
	n := r.cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop signals workers to drain and wait for in-flight jobs to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			if r.process(job) {
				r.release(job.Payload.SessionID)
			}
		case <-r.stopCh:
			return
		}
	}
}

// process runs one attempt of job and reports whether the job reached a
// terminal state. A scheduled retry returns false: the session stays
// claimed so later jobs for it keep waiting in arrival order.
func (r *Runner) process(job *types.CheckpointJob) bool {
	job.Status = types.JobRunning
	r.persistAsync(job)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	linked, err := r.attempt(ctx, job)
	metrics.CheckpointJobDuration.Observe(timer.Duration().Seconds())

	if err == nil {
		r.complete(job)
		return true
	}

	job.LastError = err.Error()
	job.Attempts++
	if job.Attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, job, linked)
		return true
	}

	job.Status = types.JobPending
	r.persistAsync(job)
	time.AfterFunc(r.cfg.RetryDelay, func() {
		job.Status = types.JobQueued
		r.persistAsync(job)
		// Straight back onto the worker queue: the session is still
		// claimed by this job, so dispatch would deadlock it behind
		// itself.
		select {
		case r.queue <- job:
		case <-r.stopCh:
		}
	})
	return false
}

// attempt runs the single-shot checkpoint materialization sequence. If a
// prior attempt already created the checkpoint
// entity (job.CheckpointID set), it resumes from the link step rather than
// creating a duplicate entity. Returns whether the session-checkpoint link
// was established, for cleanup on final failure.
func (r *Runner) attempt(ctx context.Context, job *types.CheckpointJob) (linked bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.job_attempt",
		tracing.JobAttr(job.ID), tracing.SessionAttr(job.Payload.SessionID))
	defer func() { tracing.EndWithError(span, err) }()

	p := job.Payload

	r.graph.AnnotateSessionRelationshipsWithCheckpoint(ctx, p.SessionID, "pending")

	if job.CheckpointID == "" {
		checkpointID, err := r.graph.CreateCheckpoint(ctx, p.SeedEntityIDs, p.Reason, p.HopCount, p.Window)
		if err != nil {
			return false, kgerrors.Durable(err, "create checkpoint failed for session %s", p.SessionID)
		}
		job.CheckpointID = checkpointID
	}

	if err := r.graph.CreateSessionCheckpointLink(ctx, p.SessionID, job.CheckpointID, "completed"); err != nil {
		return false, kgerrors.Durable(err, "create session checkpoint link failed for session %s", p.SessionID)
	}
	linked = true

	if err := r.graph.AnnotateSessionRelationshipsWithCheckpoint(ctx, p.SessionID, job.CheckpointID); err != nil {
		return linked, kgerrors.Durable(err, "annotate session relationships failed for session %s", p.SessionID)
	}

	return linked, nil
}

func (r *Runner) complete(job *types.CheckpointJob) {
	job.Status = types.JobCompleted
	r.mu.Lock()
	delete(r.jobs, job.ID)
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.persist.Delete(ctx, job.ID); err != nil {
		logger := log.ForJob(r.logger, job.ID, job.Attempts)
		logger.Error().Err(err).Msg("failed to delete completed checkpoint job row")
	}
	metrics.CheckpointJobsCompletedTotal.Inc()
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventJobCompleted, JobID: job.ID, SessionID: job.Payload.SessionID})
	}
}

// deadLetter moves a job to manual_intervention after exhausting retries.
// If a checkpoint entity was created but never linked, it is deleted to
// avoid an orphan; otherwise the link is downgraded.
func (r *Runner) deadLetter(ctx context.Context, job *types.CheckpointJob, linked bool) {
	job.Status = types.JobManualIntervention
	checkpointID := job.CheckpointID

	if checkpointID != "" && !linked {
		if err := r.graph.DeleteCheckpoint(ctx, checkpointID); err != nil {
			logger := log.ForJob(r.logger, job.ID, job.Attempts)
			logger.Error().Str("checkpoint_id", checkpointID).Err(err).Msg("failed to clean up orphaned checkpoint")
		}
		job.CheckpointID = "" // a resubmit must create a fresh checkpoint entity
	} else if checkpointID != "" && linked {
		r.graph.CreateSessionCheckpointLink(ctx, job.Payload.SessionID, checkpointID, "manual_intervention")
	}

	r.mu.Lock()
	delete(r.jobs, job.ID)
	r.mu.Unlock()

	r.dlqMu.Lock()
	r.dlq[job.ID] = job
	r.dlqMu.Unlock()

	r.persistAsync(job)
	metrics.CheckpointJobsDeadLetteredTotal.Inc()
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventJobDeadLettered, Message: job.LastError, JobID: job.ID, SessionID: job.Payload.SessionID, Attempt: job.Attempts})
	}
}

func (r *Runner) persistAsync(job *types.CheckpointJob) {
	job.UpdatedAt = time.Now()
	snap, err := jobToSnapshot(job)
	if err != nil {
		logger := log.ForJob(r.logger, job.ID, job.Attempts)
		logger.Error().Err(err).Msg("failed to serialize checkpoint job")
		return
	}
	if err := r.persist.Upsert(context.Background(), snap); err != nil {
		logger := log.ForJob(r.logger, job.ID, job.Attempts)
		logger.Error().Err(err).Msg("failed to persist checkpoint job")
	}
}

// Resubmit moves a dead-lettered job back onto the live queue, resetting
// its attempt count.
func (r *Runner) Resubmit(id string) error {
	r.dlqMu.Lock()
	job, ok := r.dlq[id]
	if ok {
		delete(r.dlq, id)
	}
	r.dlqMu.Unlock()
	if !ok {
		return kgerrors.Business(kgerrors.CodeCheckpointMissing, "checkpoint job %s not found in dead letter queue", id)
	}

	job.Attempts = 0
	job.LastError = ""
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	job.Status = types.JobQueued
	r.persistAsync(job)
	r.dispatch(job)
	return nil
}

// DeadLetterCount returns the number of jobs currently in manual_intervention.
func (r *Runner) DeadLetterCount() int {
	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()
	return len(r.dlq)
}
