// Package workerpool implements the auto-scaling executor pool: a
// set of workers pulling tasks from a queue, scaling between minWorkers
// and maxWorkers on observed busy fraction, and restarting workers whose
// consecutive error count crosses a threshold.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// WorkerResult is what a Handler returns for one processed task.
type WorkerResult struct {
	Success    bool
	Value      any
	Error      error
	DurationMs int64
}

// Handler executes one task. Implementations must not retain state across
// calls beyond connection handles.
type Handler interface {
	Handle(ctx context.Context, task *types.Task) WorkerResult
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, task *types.Task) WorkerResult

func (f HandlerFunc) Handle(ctx context.Context, task *types.Task) WorkerResult { return f(ctx, task) }

// Source supplies tasks to idle workers. pkg/queue.Manager.Dequeue/DequeueBatch
// satisfy the single-partition shape expected here; callers typically wrap
// a queue.Manager with one Source per partition.
type Source interface {
	Dequeue() *types.Task
}

// ScalingRule configures one auto-scaling evaluation.
type ScalingRule struct {
	ScaleUpThreshold   float64 // busyFraction >= this and cooldown elapsed -> scale up
	ScaleDownThreshold float64 // busyFraction <= this -> scale down
	Cooldown           time.Duration
}

// Config configures the pool.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// WorkerTypes is the set of task types every worker in this pool
	// declares. A worker rejects tasks outside its declared types as a
	// programmer error. Empty accepts every type.
	WorkerTypes         []types.TaskType
	WorkerTimeout       time.Duration
	HealthCheckInterval time.Duration
	RestartThreshold    int
	AutoScale           bool
	ScalingRules        ScalingRule
	ShutdownGrace       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          2,
		MaxWorkers:          16,
		WorkerTimeout:       30 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		RestartThreshold:    5,
		AutoScale:           true,
		ScalingRules: ScalingRule{
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			Cooldown:           30 * time.Second,
		},
		ShutdownGrace: 10 * time.Second,
	}
}

// worker is one executor goroutine with a declared set of task types.
type worker struct {
	id         int
	types      []types.TaskType
	busy       int32 // 1 while executing a task
	errorCount int32
	cancel     context.CancelFunc
	done       chan struct{}
}

// accepts reports whether the worker's declared types include t.
func (w *worker) accepts(t types.TaskType) bool {
	if len(w.types) == 0 {
		return true
	}
	for _, x := range w.types {
		if x == t {
			return true
		}
	}
	return false
}

// Pool is the auto-scaling worker pool.
type Pool struct {
	cfg     Config
	source  Source
	handler Handler
	logger  zerolog.Logger

	mu          sync.Mutex
	workers     map[int]*worker
	nextID      int
	lastScaleAt time.Time

	busy  int32 // atomic count of workers currently executing a task
	total int32 // atomic count of live workers

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool that pulls tasks from source and executes them with
// handler, starting at MinWorkers.
func New(cfg Config, source Source, handler Handler) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Pool{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  log.WithComponent("worker-pool"),
		workers: make(map[int]*worker),
		stopCh:  make(chan struct{}),
	}
}

// Start launches MinWorkers workers and the auto-scaling loop.
func (p *Pool) Start() {
	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	if p.cfg.AutoScale {
		p.wg.Add(1)
		go p.scaleLoop()
	}
}

// Stop signals every worker to cancel and waits up to ShutdownGrace for
// them to finish in-flight tasks.
func (p *Pool) Stop() {
	close(p.stopCh)

	p.mu.Lock()
	for _, w := range p.workers {
		w.cancel()
	}
	dones := make([]chan struct{}, 0, len(p.workers))
	for _, w := range p.workers {
		dones = append(dones, w.done)
	}
	p.mu.Unlock()

	deadline := time.After(p.cfg.ShutdownGrace)
	for _, d := range dones {
		select {
		case <-d:
		case <-deadline:
			p.logger.Warn().Msg("shutdown grace window elapsed with workers still running")
			return
		}
	}
	p.wg.Wait()
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// BusyFraction returns the fraction of workers currently executing a task.
func (p *Pool) BusyFraction() float64 {
	total := atomic.LoadInt32(&p.total)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt32(&p.busy)) / float64(total)
}

func (p *Pool) spawnLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{id: p.nextID, types: p.cfg.WorkerTypes, cancel: cancel, done: make(chan struct{})}
	p.nextID++
	p.workers[w.id] = w
	atomic.AddInt32(&p.total, 1)
	metrics.WorkerPoolSize.Set(float64(len(p.workers)))

	p.wg.Add(1)
	go p.run(ctx, w)
}

func (p *Pool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		task := p.source.Dequeue()
		if task == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		atomic.StoreInt32(&w.busy, 1)
		atomic.AddInt32(&p.busy, 1)
		metrics.WorkerPoolBusy.Set(float64(atomic.LoadInt32(&p.busy)))
		timer := metrics.NewTimer()
		var result WorkerResult
		if !w.accepts(task.Type) {
			result = WorkerResult{Success: false, Error: kgerrors.Programmer(kgerrors.CodeUnknownTaskType,
				"worker %d declares types %v, got task type %s", w.id, w.types, task.Type)}
		} else {
			taskCtx, taskCancel := context.WithTimeout(ctx, p.cfg.WorkerTimeout)
			result = p.handler.Handle(taskCtx, task)
			taskCancel()
		}
		metrics.TaskDuration.Observe(timer.Duration().Seconds())
		atomic.AddInt32(&p.busy, -1)
		atomic.StoreInt32(&w.busy, 0)
		metrics.WorkerPoolBusy.Set(float64(atomic.LoadInt32(&p.busy)))

		if result.Success {
			atomic.StoreInt32(&w.errorCount, 0)
			continue
		}

		n := atomic.AddInt32(&w.errorCount, 1)
		logger := log.ForTask(p.logger, task)
		logger.Warn().Int("worker_id", w.id).Err(result.Error).Msg("task failed")
		if int(n) > p.cfg.RestartThreshold {
			p.restart(w)
			return
		}
	}
}

// restart replaces a worker whose consecutive error count crossed
// RestartThreshold. Opaque to callers: the pool keeps the same
// total worker count.
func (p *Pool) restart(w *worker) {
	w.cancel()
	metrics.WorkerRestartsTotal.Inc()
	p.logger.Warn().Int("worker_id", w.id).Msg("restarting worker after exceeding error threshold")

	p.mu.Lock()
	delete(p.workers, w.id)
	atomic.AddInt32(&p.total, -1)
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		return
	default:
	}
	p.spawnLocked()
	p.mu.Unlock()
}

func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evaluateScaling()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) evaluateScaling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastScaleAt) < p.cfg.ScalingRules.Cooldown {
		return
	}

	busy := p.BusyFraction()
	n := len(p.workers)
	switch {
	case busy >= p.cfg.ScalingRules.ScaleUpThreshold && n < p.cfg.MaxWorkers:
		p.spawnLocked()
		p.lastScaleAt = now
		p.logger.Info().Int("workers", len(p.workers)).Float64("busy_fraction", busy).Msg("scaled up")
	case busy <= p.cfg.ScalingRules.ScaleDownThreshold && n > p.cfg.MinWorkers:
		if p.removeIdleLocked() {
			p.lastScaleAt = now
			p.logger.Info().Int("workers", len(p.workers)).Float64("busy_fraction", busy).Msg("scaled down")
		}
	}
}

// removeIdleLocked cancels one worker of the pool's declared type that is
// not currently executing a task, reporting whether one was removed. With
// every worker mid-task nothing is removed; the next scaling pass retries.
func (p *Pool) removeIdleLocked() bool {
	for id, w := range p.workers {
		if atomic.LoadInt32(&w.busy) != 0 {
			continue
		}
		w.cancel()
		delete(p.workers, id)
		atomic.AddInt32(&p.total, -1)
		metrics.WorkerPoolSize.Set(float64(len(p.workers)))
		return true
	}
	return false
}
