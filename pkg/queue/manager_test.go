package queue

import (
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.PartitionStrategy = StrategyRoundRobin
	m := NewManager(cfg)

	low := &types.Task{ID: "low", Priority: 5}
	high := &types.Task{ID: "high", Priority: 0}
	require.NoError(t, m.Enqueue(low))
	require.NoError(t, m.Enqueue(high))

	got := m.Dequeue(0)
	assert.Equal(t, "high", got.ID)
	got = m.Dequeue(0)
	assert.Equal(t, "low", got.ID)
}

func TestNotBeforeHonored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	m := NewManager(cfg)

	future := &types.Task{ID: "future", Priority: 0, NotBefore: time.Now().Add(time.Hour)}
	require.NoError(t, m.Enqueue(future))

	assert.Nil(t, m.Dequeue(0), "task not yet ready should not dequeue")
}

func TestBackpressureRejectsLowPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.BackpressureThreshold = 1
	m := NewManager(cfg)

	require.NoError(t, m.Enqueue(&types.Task{ID: "t0", Priority: 5}))
	require.NoError(t, m.Enqueue(&types.Task{ID: "t1", Priority: 5}))

	// depth 2 is now above the threshold of 1.
	err := m.Enqueue(&types.Task{ID: "t2", Priority: 5})
	assert.Error(t, err)

	// priority <= 2 is best-effort-exempt and must still be admitted.
	err = m.Enqueue(&types.Task{ID: "t3", Priority: 1})
	assert.NoError(t, err)
}

func TestRequeueIncreasesNotBeforeAndRetryCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.JitterFactor = 0
	m := NewManager(cfg)

	task := &types.Task{ID: "t1", Priority: 0, MaxRetries: 3}
	before := task.NotBefore
	require.NoError(t, m.Requeue(task))

	assert.Equal(t, 1, task.RetryCount)
	assert.True(t, task.NotBefore.After(before))
}

func TestRequeueExhaustedReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	m := NewManager(cfg)

	task := &types.Task{ID: "t1", RetryCount: 3, MaxRetries: 3}
	err := m.Requeue(task)
	assert.Error(t, err)
}

func TestPartitionSelectionHashIsStable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 8
	cfg.PartitionStrategy = StrategyHash
	m := NewManager(cfg)

	first := m.selectPartition(&types.Task{PartitionKey: "entity-42"})
	second := m.selectPartition(&types.Task{PartitionKey: "entity-42"})
	assert.Equal(t, first, second)
}

func TestDequeueBatchRespectsMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	m := NewManager(cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Enqueue(&types.Task{ID: string(rune('a' + i)), Priority: 5}))
	}

	batch := m.DequeueBatch(0, 3)
	assert.Len(t, batch, 3)
	assert.Equal(t, 2, m.Depth())
}
