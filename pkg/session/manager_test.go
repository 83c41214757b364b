package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/repograph/pkg/checkpoint"
	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/sessionstore"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, sessionstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := sessionstore.NewRedisStore(client, sessionstore.DefaultConfig())

	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	runner := checkpoint.NewRunner(checkpoint.Config{Concurrency: 1, RetryDelay: 10 * time.Millisecond, MaxAttempts: 3},
		checkpoint.NewFakeGraph(), checkpoint.NewFakePersistence(), broker)
	runner.Start()
	t.Cleanup(runner.Stop)

	return NewManager(cfg, store, broker, runner), store
}

func TestCreateSessionThenEmitEventAssignsMonotonicSeq(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "s1", "agent-a", []string{"e1"})
	require.NoError(t, err)

	e1, err := mgr.EmitEvent(ctx, "s1", &types.SessionEvent{Type: types.EventTypeModified, Actor: "agent-a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.Seq)

	e2, err := mgr.EmitEvent(ctx, "s1", &types.SessionEvent{Type: types.EventTypeModified, Actor: "agent-a"})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.Seq)
}

func TestEmitEventAtCheckpointIntervalStoresEverySeq(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 2
	mgr, store := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "s1", "agent-a", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := mgr.EmitEvent(ctx, "s1", &types.SessionEvent{Type: types.EventTypeModified, Actor: "agent-a"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		seq, err := store.(*sessionstore.RedisStore).HighestSeq(ctx, "s1")
		return err == nil && seq == 2
	}, time.Second, 10*time.Millisecond)
}

func TestLeaveSessionSucceedsWhenLastAgentLeaves(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "s1", "agent-a", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.LeaveSession(ctx, "s1", "agent-a"))
}

func TestJoinSessionFailsWhenSessionMissing(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	err := mgr.JoinSession(context.Background(), "missing", "agent-a")
	require.Error(t, err)
}
