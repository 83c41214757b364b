package queue

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// PartitionStrategy selects which partition a task lands in.
type PartitionStrategy string

const (
	StrategyRoundRobin PartitionStrategy = "round_robin"
	StrategyHash       PartitionStrategy = "hash"
	StrategyPriority   PartitionStrategy = "priority"
)

// Config configures the task queue manager.
type Config struct {
	Partitions             int
	EnableBackpressure     bool
	BackpressureThreshold  int
	PartitionStrategy      PartitionStrategy
	MetricsInterval        time.Duration

	// Retry scheduling, shared with requeue-on-failure
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	JitterFactor     float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partitions:            10,
		EnableBackpressure:    true,
		BackpressureThreshold: 10000,
		PartitionStrategy:     StrategyRoundRobin,
		MetricsInterval:       15 * time.Second,
		BaseDelay:             100 * time.Millisecond,
		MaxDelay:              30 * time.Second,
		BackoffMultiplier:     2.0,
		JitterFactor:          0.2,
	}
}

// Manager is the partitioned task queue.
type Manager struct {
	cfg        Config
	partitions []*Partition
	logger     zerolog.Logger
	rrCounter  uint64
	stopCh     chan struct{}
	nowFn      func() time.Time
}

// NewManager creates a task queue manager with N partitions.
func NewManager(cfg Config) *Manager {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("queue"),
		stopCh: make(chan struct{}),
		nowFn:  time.Now,
	}
	for i := 0; i < cfg.Partitions; i++ {
		m.partitions = append(m.partitions, NewPartition())
	}
	return m
}

// Start begins the periodic metrics collection loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop stops the metrics loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.publishMetrics()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) publishMetrics() {
	now := m.nowFn()
	var oldest time.Duration
	for i, p := range m.partitions {
		depth := p.Depth()
		metrics.QueueDepth.WithLabelValues(partitionLabel(i)).Set(float64(depth))
		if age := p.OldestAge(now); age > oldest {
			oldest = age
		}
	}
	metrics.QueueOldestTaskAge.Set(oldest.Seconds())
	if m.EnableBackpressure() {
		metrics.QueueBackpressureActive.Set(1)
	} else {
		metrics.QueueBackpressureActive.Set(0)
	}
}

func partitionLabel(i int) string {
	return strconv.Itoa(i)
}

// Depth returns the total number of queued tasks across all partitions.
func (m *Manager) Depth() int {
	total := 0
	for _, p := range m.partitions {
		total += p.Depth()
	}
	return total
}

// EnableBackpressure reports whether the queue is currently over its
// backpressure threshold.
func (m *Manager) EnableBackpressure() bool {
	return m.cfg.EnableBackpressure && m.Depth() > m.cfg.BackpressureThreshold
}

// Enqueue places a task into its selected partition, applying
// backpressure for best-effort traffic (priority > 2) once the queue is
// over threshold.
func (m *Manager) Enqueue(t *types.Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = m.nowFn()
	}
	if m.EnableBackpressure() && t.Priority > 2 {
		metrics.QueueOverflowTotal.Inc()
		return kgerrors.Capacity(kgerrors.CodeQueueOverflow, "queue depth %d exceeds backpressure threshold %d", m.Depth(), m.cfg.BackpressureThreshold)
	}
	idx := m.selectPartition(t)
	m.partitions[idx].Push(t)
	return nil
}

func (m *Manager) selectPartition(t *types.Task) int {
	n := len(m.partitions)
	switch m.cfg.PartitionStrategy {
	case StrategyPriority:
		p := t.Priority
		if p < 0 {
			p = 0
		}
		return p % n
	case StrategyHash:
		if t.PartitionKey == "" {
			return m.roundRobin(n)
		}
		return int(hashString(t.PartitionKey)) % n
	default:
		return m.roundRobin(n)
	}
}

func (m *Manager) roundRobin(n int) int {
	return int((atomic.AddUint64(&m.rrCounter, 1) - 1) % uint64(n))
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Dequeue pops one ready task from partition idx.
func (m *Manager) Dequeue(idx int) *types.Task {
	if idx < 0 || idx >= len(m.partitions) {
		return nil
	}
	t := m.partitions[idx].Pop(m.nowFn())
	if t != nil {
		metrics.QueueProcessedTotal.Inc()
	}
	return t
}

// DequeueBatch pops up to maxBatch ready tasks from partition idx.
func (m *Manager) DequeueBatch(idx int, maxBatch int) []*types.Task {
	if idx < 0 || idx >= len(m.partitions) {
		return nil
	}
	tasks := m.partitions[idx].PopBatch(m.nowFn(), maxBatch)
	metrics.QueueProcessedTotal.Add(float64(len(tasks)))
	return tasks
}

// PartitionCount returns the number of partitions.
func (m *Manager) PartitionCount() int { return len(m.partitions) }

// Requeue reinserts a task that failed, bumping RetryCount and computing a
// new NotBefore via exponential backoff with jitter, capped at MaxDelay.
// Returns an error once MaxRetries is exhausted — callers should route the
// task to the error handler instead.
func (m *Manager) Requeue(t *types.Task) error {
	if t.RetryCount >= t.MaxRetries {
		return kgerrors.Consistency(kgerrors.CodeValidation, "task %s exhausted %d retries", t.ID, t.MaxRetries)
	}
	t.RetryCount++
	delay := m.backoffDelay(t.RetryCount)
	t.NotBefore = m.nowFn().Add(delay)
	idx := m.selectPartition(t)
	m.partitions[idx].Push(t)
	metrics.RetriesTotal.Inc()
	logger := log.ForTask(m.logger, t)
	logger.Debug().Dur("delay", delay).Msg("requeued task")
	return nil
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := float64(m.cfg.BaseDelay)
	delay := base * math.Pow(m.cfg.BackoffMultiplier, float64(attempt))
	jitter := delay * m.cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	d := time.Duration(delay)
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return d
}

// WaitForDrain blocks until all partitions are empty or ctx is done.
func (m *Manager) WaitForDrain(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if m.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
