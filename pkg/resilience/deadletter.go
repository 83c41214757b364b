package resilience

import (
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// DeadLetterEntry is one task that exhausted its retry budget.
type DeadLetterEntry struct {
	ID         string
	Task       *types.Task
	Error      string
	Attempts   int
	Timestamp  time.Time
}

// DeadLetterConfig configures the queue.
type DeadLetterConfig struct {
	MaxSize       int
	RetentionTime time.Duration
}

// DefaultDeadLetterConfig returns sensible defaults.
func DefaultDeadLetterConfig() DeadLetterConfig {
	return DeadLetterConfig{
		MaxSize:       10000,
		RetentionTime: 7 * 24 * time.Hour,
	}
}

// DeadLetterQueue is a bounded ring buffer of permanently-failed tasks,
// with oldest-entry eviction on overflow.
type DeadLetterQueue struct {
	cfg    DeadLetterConfig
	logger zerolog.Logger

	mu      sync.Mutex
	entries []*DeadLetterEntry
	byID    map[string]*DeadLetterEntry
	nowFn   func() time.Time
}

// NewDeadLetterQueue builds an empty DeadLetterQueue.
func NewDeadLetterQueue(cfg DeadLetterConfig) *DeadLetterQueue {
	return &DeadLetterQueue{
		cfg:    cfg,
		logger: log.WithComponent("dead-letter-queue"),
		byID:   make(map[string]*DeadLetterEntry),
		nowFn:  time.Now,
	}
}

// Add appends a dead-lettered task, evicting the oldest entry if the queue
// is at MaxSize.
func (q *DeadLetterQueue) Add(task *types.Task, cause error, attempts int) *DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeExpired(q.nowFn())

	if len(q.entries) >= q.cfg.MaxSize {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.byID, oldest.ID)
		q.logger.Warn().Str("evicted_task_id", oldest.ID).Msg("dead letter queue full, evicting oldest entry")
	}

	entry := &DeadLetterEntry{
		ID:        task.ID,
		Task:      task,
		Error:     cause.Error(),
		Attempts:  attempts,
		Timestamp: q.nowFn(),
	}
	q.entries = append(q.entries, entry)
	q.byID[entry.ID] = entry
	metrics.DeadLetterQueueSize.Set(float64(len(q.entries)))
	return entry
}

func (q *DeadLetterQueue) purgeExpired(now time.Time) {
	if q.cfg.RetentionTime <= 0 {
		return
	}
	cutoff := now.Add(-q.cfg.RetentionTime)
	i := 0
	for ; i < len(q.entries); i++ {
		if q.entries[i].Timestamp.After(cutoff) {
			break
		}
		delete(q.byID, q.entries[i].ID)
	}
	q.entries = q.entries[i:]
}

// Size returns the current entry count.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns the entry for id, if present.
func (q *DeadLetterQueue) Get(id string) (*DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	return e, ok
}

// List returns a snapshot of all entries, oldest first.
func (q *DeadLetterQueue) List() []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Resubmit removes id from the queue and returns its task with RetryCount
// reset to zero, ready for re-enqueue.
func (q *DeadLetterQueue) Resubmit(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[id]
	if !ok {
		return nil, kgerrors.Business(kgerrors.CodeDLQEntryNotFound, "dead letter entry %s not found", id)
	}
	delete(q.byID, id)
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	metrics.DeadLetterQueueSize.Set(float64(len(q.entries)))

	task := entry.Task
	task.RetryCount = 0
	q.logger.Info().Str("task_id", id).Msg("dead letter entry resubmitted")
	return task, nil
}
