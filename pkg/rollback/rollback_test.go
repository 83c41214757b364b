package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/require"
)

func seedEntity(reader *FakeStateReader, id string, hash string, modified time.Time) *types.Entity {
	e := &types.Entity{ID: id, Type: types.EntityFile, Path: "pkg/" + id + ".go", Hash: hash, LastModified: modified}
	reader.Put(e)
	return e
}

func TestCreateRollbackPointAndDiffDetectsUpdate(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)

	m := NewManager(DefaultConfig(), reader, NewFakeMutator(), nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "before-refactor", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)

	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	diff, err := m.GetDiff(context.Background(), rp.ID)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	require.Equal(t, types.DiffUpdate, diff[0].Operation)
	require.Equal(t, "entity:e1", diff[0].Path)
}

func TestExecuteFullRollbackRestoresOverwrittenEntity(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	mutator := NewFakeMutator()

	m := NewManager(DefaultConfig(), reader, mutator, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)

	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	op, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveOverwrite})
	require.NoError(t, err)
	require.Equal(t, types.RollbackCompleted, op.Status)
	require.Equal(t, 100, op.Progress)
	require.Equal(t, 1, mutator.Writes)
	require.Equal(t, "hash-v1", mutator.Entities["e1"].Hash)
}

func TestExecuteDryRunMutatesNothing(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	mutator := NewFakeMutator()

	m := NewManager(DefaultConfig(), reader, mutator, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	op, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveOverwrite, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, types.RollbackCompleted, op.Status)
	require.Equal(t, 0, mutator.Writes)
}

func TestExecuteAbortStopsOnConflict(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	mutator := NewFakeMutator()

	m := NewManager(DefaultConfig(), reader, mutator, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	op, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveAbort})
	require.Error(t, err)
	require.Equal(t, types.RollbackFailed, op.Status)
	require.Equal(t, 0, mutator.Writes)
}

func TestPartialStrategyOnlyAppliesSelection(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	seedEntity(reader, "e2", "hash-v1", now)
	mutator := NewFakeMutator()

	m := NewManager(DefaultConfig(), reader, mutator, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1", "e2"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))
	seedEntity(reader, "e2", "hash-v2", now.Add(time.Minute))

	op, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{
		Strategy: "partial", ConflictMode: types.ResolveOverwrite,
		Selections: []types.PartialSelection{{Type: "entity", Identifiers: []string{"e1"}}},
	})
	require.NoError(t, err)
	require.Equal(t, types.RollbackCompleted, op.Status)
	require.Equal(t, 1, mutator.Writes)
	require.Equal(t, "hash-v1", mutator.Entities["e1"].Hash)
	require.Nil(t, mutator.Entities["e2"])
}

func TestTimeBasedStrategyFiltersOutsideWindow(t *testing.T) {
	reader := NewFakeStateReader()
	old := time.Now().Add(-48 * time.Hour)
	seedEntity(reader, "e1", "hash-v1", old)
	mutator := NewFakeMutator()

	m := NewManager(DefaultConfig(), reader, mutator, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", time.Now())

	op, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{
		Strategy: "time_based", ConflictMode: types.ResolveOverwrite,
		Window: &TimeWindow{MaxChangeAge: time.Hour},
	})
	require.NoError(t, err)
	require.Equal(t, types.RollbackCompleted, op.Status)
	require.Equal(t, 0, mutator.Writes)
}

func TestDeleteRollbackPointRemovesSnapshots(t *testing.T) {
	reader := NewFakeStateReader()
	seedEntity(reader, "e1", "hash-v1", time.Now())
	m := NewManager(DefaultConfig(), reader, NewFakeMutator(), nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.DeleteRollbackPoint(context.Background(), rp.ID))

	_, err = m.GetDiff(context.Background(), rp.ID)
	require.Error(t, err)
	var kgErr *kgerrors.Error
	require.True(t, kgerrors.As(err, &kgErr))
	require.Equal(t, kgerrors.CodeRollbackNotFound, kgErr.Code)
}

func TestCleanupExpiredSweepsPastPoints(t *testing.T) {
	reader := NewFakeStateReader()
	seedEntity(reader, "e1", "hash-v1", time.Now())
	m := NewManager(DefaultConfig(), reader, NewFakeMutator(), nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	count, err := m.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Nil(t, m.GetRollbackPoint(rp.ID))
}

type blockingMutator struct {
	*FakeMutator
	started chan struct{}
	release chan struct{}
}

func (b *blockingMutator) UpsertEntity(ctx context.Context, e *types.Entity) error {
	close(b.started)
	<-b.release
	return b.FakeMutator.UpsertEntity(ctx, e)
}

func TestExecuteRejectsConcurrentRunsOnSamePoint(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	bm := &blockingMutator{FakeMutator: NewFakeMutator(), started: make(chan struct{}), release: make(chan struct{})}

	m := NewManager(DefaultConfig(), reader, bm, nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveOverwrite})
		require.NoError(t, err)
	}()

	<-bm.started
	_, err = m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveOverwrite})
	require.Error(t, err)
	var kgErr *kgerrors.Error
	require.True(t, kgerrors.As(err, &kgErr))
	require.Equal(t, kgerrors.CodeOperationInProgress, kgErr.Code)

	close(bm.release)
	<-done
}

func TestMaxRollbackPointsEvictsOldest(t *testing.T) {
	reader := NewFakeStateReader()
	seedEntity(reader, "e1", "hash-v1", time.Now())
	cfg := DefaultConfig()
	cfg.MaxRollbackPoints = 1
	m := NewManager(cfg, reader, NewFakeMutator(), nil, nil)

	first, err := m.CreateRollbackPoint(context.Background(), "first", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	_, err = m.CreateRollbackPoint(context.Background(), "second", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)

	require.Nil(t, m.GetRollbackPoint(first.ID))
}

func TestCancelRollbackOnlyLegalWhileInProgress(t *testing.T) {
	reader := NewFakeStateReader()
	seedEntity(reader, "e1", "hash-v1", time.Now())
	m := NewManager(DefaultConfig(), reader, NewFakeMutator(), nil, nil)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)

	err = m.CancelRollback(rp.ID)
	require.Error(t, err)
}

func TestEventsPublishedAcrossLifecycle(t *testing.T) {
	reader := NewFakeStateReader()
	now := time.Now()
	seedEntity(reader, "e1", "hash-v1", now)
	broker := events.NewBroker()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := NewManager(DefaultConfig(), reader, NewFakeMutator(), nil, broker)
	rp, err := m.CreateRollbackPoint(context.Background(), "checkpoint", "", "s1", []string{"e1"}, nil, time.Hour)
	require.NoError(t, err)
	seedEntity(reader, "e1", "hash-v2", now.Add(time.Minute))

	_, err = m.Execute(context.Background(), rp.ID, ExecuteOptions{Strategy: "full", ConflictMode: types.ResolveOverwrite})
	require.NoError(t, err)

	// created, started, one progress event for the single applied entry, completed.
	var types_ []events.EventType
	for i := 0; i < 4; i++ {
		select {
		case e := <-sub:
			types_ = append(types_, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for rollback events")
		}
	}
	require.Contains(t, types_, events.EventRollbackCreated)
	require.Contains(t, types_, events.EventRollbackStarted)
	require.Contains(t, types_, events.EventRollbackCompleted)
}
