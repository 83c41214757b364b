package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/batch"
	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/queue"
	"github.com/cuemby/repograph/pkg/resilience"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/cuemby/repograph/pkg/workerpool"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	fragments []*types.ChangeFragment
}

func (f *fakeExtractor) Extract(ctx context.Context, event *types.ChangeEvent) ([]*types.ChangeFragment, error) {
	return f.fragments, nil
}

func newTestPipeline(t *testing.T, extractor FragmentExtractor) (*Pipeline, *queue.Manager) {
	t.Helper()
	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	qm := queue.NewManager(queue.DefaultConfig())
	eh := resilience.NewErrorHandler(resilience.DefaultHandlerConfig(), broker)
	adapter := graph.NewAdapter(graph.DefaultConfig(), graph.NewFakeExecutor())
	t.Cleanup(adapter.Close)
	bp := batch.NewProcessor(batch.DefaultConfig(), adapter)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.MinWorkers = 1
	poolCfg.MaxWorkers = 1

	p := New(DefaultConfig(), poolCfg, qm, eh, bp, extractor, nil, broker)
	return p, qm
}

func TestIngestChangeEventProcessesFragmentsThroughBatch(t *testing.T) {
	fragment := &types.ChangeFragment{ID: "f1", ChangeType: types.FragmentEntity, Operation: types.FragmentAdd,
		Data: &types.Entity{ID: "e1", Type: types.EntityFile, Path: "pkg/a.go"}}
	p, _ := newTestPipeline(t, &fakeExtractor{fragments: []*types.ChangeFragment{fragment}})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, p.IngestChangeEvent(&types.ChangeEvent{EventID: "evt1", Path: "pkg/a.go", Kind: types.ChangeFileChanged}))

	require.Eventually(t, func() bool {
		return p.State() == StateRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.WaitForCompletion(time.Second))
}

func TestPauseStopsDequeueingUntilResume(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeExtractor{})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, p.Pause())
	require.Equal(t, StatePaused, p.State())

	require.NoError(t, p.Resume())
	require.Equal(t, StateRunning, p.State())
}

func TestScheduleEnrichmentFailsWithoutHandlerConfigured(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeExtractor{})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, p.ScheduleEnrichment(&types.Task{ID: "t1"}))
	require.Eventually(t, func() bool { return p.errorRate() > 0 }, time.Second, 10*time.Millisecond)
}

func TestPriorityForUsesExplicitOverride(t *testing.T) {
	pr := 7
	got := priorityFor(&types.ChangeEvent{Priority: &pr})
	require.Equal(t, 7, got)
}

func TestPriorityForRanksDeletionsHighest(t *testing.T) {
	got := priorityFor(&types.ChangeEvent{Kind: types.ChangeFileDeleted, Path: "pkg/a.go"})
	require.Equal(t, 1, got)
}
