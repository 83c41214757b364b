package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/sessionstore"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) sessionstore.Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return sessionstore.NewRedisStore(client, sessionstore.DefaultConfig())
}

type staticIndex struct{ ids []string }

func (s staticIndex) ListActiveSessionIDs(ctx context.Context) ([]string, error) { return s.ids, nil }

func seedSession(t *testing.T, store sessionstore.Store, id string, events ...*types.SessionEvent) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &types.Session{
		SessionID: id, State: types.SessionWorking, AgentIDs: map[string]struct{}{"agent-1": {}},
	}, time.Hour))
	for _, e := range events {
		require.NoError(t, store.AddEvent(ctx, id, e))
	}
}

func TestGetTransitionsDetectsWorkingToBroken(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}},
		&types.SessionEvent{Seq: 2, Actor: "a1", StateTransition: &types.StateTransition{From: types.SessionWorking, To: types.SessionBroken}},
	)

	b := NewBridge(DefaultConfig(), store, nil, nil)
	transitions, err := b.GetTransitions(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, "working_to_broken", transitions[0].Reason)
}

func TestGetTransitionsDetectsPerformanceRegression(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", Impact: &types.Impact{PerfDeltaPct: -12}},
	)

	b := NewBridge(DefaultConfig(), store, nil, nil)
	transitions, err := b.GetTransitions(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, "performance_regression", transitions[0].Reason)
}

func TestGetTransitionsDegradesWithoutGraph(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", Impact: &types.Impact{Severity: "high"}, ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}},
	)

	b := NewBridge(DefaultConfig(), store, nil, nil)
	transitions, err := b.GetTransitions(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Nil(t, transitions[0].GraphContext)
}

func TestIsolateSessionFiltersByActorAndAggregates(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "pass"}},
		&types.SessionEvent{Seq: 2, Actor: "a2", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "fail"}},
		&types.SessionEvent{Seq: 3, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "broke", Severity: "high"}},
	)

	b := NewBridge(DefaultConfig(), store, nil, nil)
	view, err := b.IsolateSession(context.Background(), "s1", "a1")
	require.NoError(t, err)
	require.Len(t, view.Events, 2)
	require.Contains(t, view.Impacts, "e1")
	require.Equal(t, 2, view.Impacts["e1"].EventCount)
	require.Equal(t, "high", view.Impacts["e1"].HighestSeverity)
}

func TestGetHandoffContextSummarizesBreakage(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", Impact: &types.Impact{TestOutcome: "broke"}},
	)

	b := NewBridge(DefaultConfig(), store, nil, nil)
	hc, err := b.GetHandoffContext(context.Background(), "s1", "a2")
	require.NoError(t, err)
	require.Contains(t, hc.Advice, "Caution")
}

func TestQuerySessionsByEntityUnionsAnchorAndActiveScans(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1", &types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"target"}}})
	seedSession(t, store, "s2", &types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"other"}}})

	fq := graph.NewFakeQueryExecutor()
	fq.Default = []graph.Row{{"sessionId": "s3"}}

	b := NewBridge(DefaultConfig(), store, fq, staticIndex{ids: []string{"s1", "s2"}})
	ids, err := b.QuerySessionsByEntity(context.Background(), "target", QueryOptions{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s3"}, ids)
}

func TestGetSessionAggregatesComputesOutcomeHistogram(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "pass", PerfDeltaPct: 2}},
		&types.SessionEvent{Seq: 2, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "fail", PerfDeltaPct: -3}},
	)

	b := NewBridge(DefaultConfig(), store, nil, staticIndex{ids: []string{"s1"}})
	agg, err := b.GetSessionAggregates(context.Background(), []string{"e1"}, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, agg.SessionCount)
	require.Equal(t, 1, agg.OutcomeCounts["pass"])
	require.Equal(t, 1, agg.OutcomeCounts["fail"])
	require.Equal(t, float64(-3), agg.MinPerfDeltaPct)
	require.Equal(t, float64(2), agg.MaxPerfDeltaPct)
}

func TestGetSessionAggregatesPerfStatsWithAllNegativeDeltas(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "s1",
		&types.SessionEvent{Seq: 1, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "fail", PerfDeltaPct: -8}},
		&types.SessionEvent{Seq: 2, Actor: "a1", ChangeInfo: types.ChangeInfo{EntityIDs: []string{"e1"}}, Impact: &types.Impact{TestOutcome: "fail", PerfDeltaPct: -2}},
	)

	b := NewBridge(DefaultConfig(), store, nil, staticIndex{ids: []string{"s1"}})
	agg, err := b.GetSessionAggregates(context.Background(), []string{"e1"}, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, float64(-8), agg.MinPerfDeltaPct)
	require.Equal(t, float64(-2), agg.MaxPerfDeltaPct, "max must track the true maximum even when every delta is negative")
}
