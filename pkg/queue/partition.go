// Package queue implements the partitioned, priority-ordered task queue
// manager: backpressure, retry scheduling, and per-partition FIFO-
// with-priority semantics.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/types"
)

// partitionItem is one task plus its heap bookkeeping.
type partitionItem struct {
	task  *types.Task
	index int
}

// priorityHeap orders items by priority (0 = highest) and, within equal
// priority, by earlier NotBefore/EnqueuedAt — a standard container/heap
// implementation.
type priorityHeap []*partitionItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	return taskLess(h[i].task, h[j].task)
}

func taskLess(a, b *types.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*partitionItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Partition is one priority queue with O(log n) insert; Pop scans every
// item for the best ready one, so it is O(n).
type Partition struct {
	mu   sync.Mutex
	heap priorityHeap
}

// NewPartition creates an empty partition.
func NewPartition() *Partition {
	p := &Partition{}
	heap.Init(&p.heap)
	return p
}

// Push inserts a task, O(log n).
func (p *Partition) Push(t *types.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	heap.Push(&p.heap, &partitionItem{task: t})
}

// Pop removes and returns the highest-priority task whose NotBefore has
// elapsed, or nil if none is ready. A delayed retry sitting at the heap
// top must not shadow ready lower-priority work, so this scans past
// not-yet-ready items rather than only inspecting the root.
func (p *Partition) Pop(now time.Time) *types.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popReadyLocked(now)
}

func (p *Partition) popReadyLocked(now time.Time) *types.Task {
	best := -1
	for i, item := range p.heap {
		if !item.task.Ready(now) {
			continue
		}
		if best == -1 || taskLess(item.task, p.heap[best].task) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(&p.heap, best).(*partitionItem).task
}

// PopBatch removes up to maxBatch ready tasks.
func (p *Partition) PopBatch(now time.Time, maxBatch int) []*types.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.Task
	for len(out) < maxBatch {
		t := p.popReadyLocked(now)
		if t == nil {
			break
		}
		out = append(out, t)
	}
	return out
}

// Depth returns the number of queued tasks.
func (p *Partition) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// OldestAge returns the age of the oldest queued task, or zero if empty.
func (p *Partition) OldestAge(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var oldest time.Time
	for _, item := range p.heap {
		if oldest.IsZero() || item.task.EnqueuedAt.Before(oldest) {
			oldest = item.task.EnqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
