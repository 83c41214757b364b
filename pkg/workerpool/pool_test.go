package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	tasks chan *types.Task
}

func newFakeSource() *fakeSource { return &fakeSource{tasks: make(chan *types.Task, 100)} }

func (s *fakeSource) Dequeue() *types.Task {
	select {
	case t := <-s.tasks:
		return t
	default:
		return nil
	}
}

func TestPoolProcessesTasks(t *testing.T) {
	src := newFakeSource()
	var processed int32
	handler := HandlerFunc(func(ctx context.Context, task *types.Task) WorkerResult {
		atomic.AddInt32(&processed, 1)
		return WorkerResult{Success: true}
	})

	cfg := DefaultConfig()
	cfg.MinWorkers = 2
	cfg.AutoScale = false
	cfg.ShutdownGrace = time.Second
	p := New(cfg, src, handler)
	p.Start()

	for i := 0; i < 10; i++ {
		src.tasks <- &types.Task{ID: "t"}
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 10 }, time.Second, 10*time.Millisecond)
	p.Stop()
}

func TestWorkerRestartsAfterErrorThreshold(t *testing.T) {
	src := newFakeSource()
	handler := HandlerFunc(func(ctx context.Context, task *types.Task) WorkerResult {
		return WorkerResult{Success: false, Error: assert.AnError}
	})

	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.AutoScale = false
	cfg.RestartThreshold = 2
	cfg.ShutdownGrace = time.Second
	p := New(cfg, src, handler)
	p.Start()

	for i := 0; i < 5; i++ {
		src.tasks <- &types.Task{ID: "t"}
	}

	assert.Eventually(t, func() bool { return p.Size() == 1 }, time.Second, 10*time.Millisecond)
	p.Stop()
}

func TestWorkerRejectsUndeclaredTaskType(t *testing.T) {
	src := newFakeSource()
	var handled int32
	handler := HandlerFunc(func(ctx context.Context, task *types.Task) WorkerResult {
		atomic.AddInt32(&handled, 1)
		return WorkerResult{Success: true}
	})

	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.AutoScale = false
	cfg.RestartThreshold = 100
	cfg.WorkerTypes = []types.TaskType{types.TaskParse}
	cfg.ShutdownGrace = time.Second
	p := New(cfg, src, handler)
	p.Start()

	src.tasks <- &types.Task{ID: "wrong", Type: types.TaskEmbedding}
	src.tasks <- &types.Task{ID: "right", Type: types.TaskParse}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, time.Second, 10*time.Millisecond,
		"only the declared task type reaches the handler")
	p.Stop()
}

func TestScaleDownSkipsBusyWorkers(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, task *types.Task) WorkerResult {
		<-release
		return WorkerResult{Success: true}
	})

	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	cfg.AutoScale = false
	cfg.ShutdownGrace = time.Second
	p := New(cfg, src, handler)
	p.Start()

	src.tasks <- &types.Task{ID: "t"}
	assert.Eventually(t, func() bool { return p.BusyFraction() == 1 }, time.Second, 10*time.Millisecond)

	p.mu.Lock()
	removed := p.removeIdleLocked()
	p.mu.Unlock()
	assert.False(t, removed, "a worker mid-task must not be cancelled by scale-down")
	assert.Equal(t, 1, p.Size())

	close(release)
	assert.Eventually(t, func() bool { return p.BusyFraction() == 0 }, time.Second, 10*time.Millisecond)

	p.mu.Lock()
	removed = p.removeIdleLocked()
	p.mu.Unlock()
	assert.True(t, removed)
	assert.Equal(t, 0, p.Size())
	p.Stop()
}

func TestBusyFractionReflectsInFlightWork(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, task *types.Task) WorkerResult {
		<-release
		return WorkerResult{Success: true}
	})

	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.AutoScale = false
	cfg.ShutdownGrace = time.Second
	p := New(cfg, src, handler)
	p.Start()

	src.tasks <- &types.Task{ID: "t"}
	assert.Eventually(t, func() bool { return p.BusyFraction() == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	p.Stop()
}
