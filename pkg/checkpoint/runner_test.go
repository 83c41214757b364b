package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestRunnerCompletesJobOnSuccess(t *testing.T) {
	graph := NewFakeGraph()
	persist := NewFakePersistence()
	broker := events.NewBroker()
	r := NewRunner(Config{Concurrency: 1, RetryDelay: 10 * time.Millisecond, MaxAttempts: 3}, graph, persist, broker)
	r.Start()
	defer r.Stop()

	r.Submit(&types.CheckpointJob{Payload: types.CheckpointPayload{SessionID: "s1", Reason: types.CheckpointManual}})

	waitFor(t, time.Second, func() bool { return persist.RowCount() == 0 })
	assert.Equal(t, "checkpoint-1", graph.Links["s1"])
}

func TestRunnerRetriesThenDeadLettersAfterMaxAttempts(t *testing.T) {
	graph := NewFakeGraph()
	graph.FailLinkFor["s2"] = 10 // always fail the link step
	persist := NewFakePersistence()
	broker := events.NewBroker()
	r := NewRunner(Config{Concurrency: 1, RetryDelay: 5 * time.Millisecond, MaxAttempts: 2}, graph, persist, broker)
	r.Start()
	defer r.Stop()

	r.Submit(&types.CheckpointJob{ID: "job-dlq", Payload: types.CheckpointPayload{SessionID: "s2", Reason: types.CheckpointManual}})

	waitFor(t, time.Second, func() bool { return r.DeadLetterCount() == 1 })

	// orphaned checkpoint entity should have been cleaned up since the link
	// never succeeded.
	assert.Empty(t, graph.Checkpoints)
}

func TestRunnerHydratesPendingJobsFromPersistence(t *testing.T) {
	graph := NewFakeGraph()
	persist := NewFakePersistence()
	now := time.Now()
	require.NoError(t, persist.Upsert(context.Background(), &types.CheckpointJobSnapshot{
		ID:         "checkpoint_job_1_1",
		PayloadJSON: []byte(`{"SessionID":"s3","Reason":"manual"}`),
		Status:     types.JobQueued,
		QueuedAt:   now,
		UpdatedAt:  now,
	}))

	r := NewRunner(DefaultConfig(), graph, persist, nil)
	require.NoError(t, r.Hydrate(context.Background()))
	r.Start()
	defer r.Stop()

	waitFor(t, time.Second, func() bool { return persist.RowCount() == 0 })
	assert.Equal(t, "checkpoint-1", graph.Links["s3"])
}

// overlapGraph delays checkpoint creation and records, per session (the
// first seed entity id), whether two creations ever overlapped and the
// order the remaining seeds arrived in.
type overlapGraph struct {
	*FakeGraph
	mu       sync.Mutex
	inFlight map[string]int
	overlap  bool
	order    map[string][]string
}

func newOverlapGraph() *overlapGraph {
	return &overlapGraph{FakeGraph: NewFakeGraph(), inFlight: make(map[string]int), order: make(map[string][]string)}
}

func (g *overlapGraph) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason types.CheckpointReason, hops int, window *time.Duration) (string, error) {
	sid := seedEntityIDs[0]
	g.mu.Lock()
	g.inFlight[sid]++
	if g.inFlight[sid] > 1 {
		g.overlap = true
	}
	g.order[sid] = append(g.order[sid], seedEntityIDs[1])
	g.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.inFlight[sid]--
	g.mu.Unlock()
	return g.FakeGraph.CreateCheckpoint(ctx, seedEntityIDs, reason, hops, window)
}

func TestSameSessionJobsRunFIFOWhileSessionsRunConcurrently(t *testing.T) {
	graph := newOverlapGraph()
	persist := NewFakePersistence()
	r := NewRunner(Config{Concurrency: 4, RetryDelay: 5 * time.Millisecond, MaxAttempts: 2}, graph, persist, nil)
	r.Start()
	defer r.Stop()

	for i := 1; i <= 3; i++ {
		r.Submit(&types.CheckpointJob{Payload: types.CheckpointPayload{
			SessionID: "s1", Reason: types.CheckpointManual,
			SeedEntityIDs: []string{"s1", "j" + string(rune('0'+i))},
		}})
	}
	r.Submit(&types.CheckpointJob{Payload: types.CheckpointPayload{
		SessionID: "s2", Reason: types.CheckpointManual,
		SeedEntityIDs: []string{"s2", "j1"},
	}})

	waitFor(t, 2*time.Second, func() bool { return persist.RowCount() == 0 })

	graph.mu.Lock()
	defer graph.mu.Unlock()
	assert.False(t, graph.overlap, "two jobs for the same session must never run concurrently")
	assert.Equal(t, []string{"j1", "j2", "j3"}, graph.order["s1"], "same-session jobs must complete in submission order")
}

func TestResubmitMovesDeadLetterBackToQueue(t *testing.T) {
	graph := NewFakeGraph()
	graph.FailLinkFor["s4"] = 1 // fail once so the first submit dead-letters at MaxAttempts=1
	persist := NewFakePersistence()
	r := NewRunner(Config{Concurrency: 1, RetryDelay: 5 * time.Millisecond, MaxAttempts: 1}, graph, persist, nil)
	r.Start()
	defer r.Stop()

	r.Submit(&types.CheckpointJob{ID: "job-retry", Payload: types.CheckpointPayload{SessionID: "s4", Reason: types.CheckpointManual}})
	waitFor(t, time.Second, func() bool { return r.DeadLetterCount() == 1 })

	require.NoError(t, r.Resubmit("job-retry"))
	require.Equal(t, 0, r.DeadLetterCount())
	waitFor(t, time.Second, func() bool { return persist.RowCount() == 0 })
	assert.Equal(t, "checkpoint-2", graph.Links["s4"])
}
