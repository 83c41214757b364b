package rollback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestBoltPersistence(t *testing.T) *BoltPersistence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollback.db")
	p, err := NewBoltPersistence(path)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBoltPersistenceRoundTripsPointsAndSnapshots(t *testing.T) {
	p := openTestBoltPersistence(t)
	ctx := context.Background()

	rp := &types.RollbackPoint{
		ID:        "rp1",
		Name:      "before-refactor",
		SessionID: "s1",
		Timestamp: time.Now(),
		EntityIDs: []string{"e1", "e2"},
	}
	require.NoError(t, p.UpsertPoint(ctx, rp))

	snap1 := &types.Snapshot{ID: "snap1", RollbackPointID: rp.ID, Type: types.SnapshotEntity, CreatedAt: time.Now()}
	snap2 := &types.Snapshot{ID: "snap2", RollbackPointID: rp.ID, Type: types.SnapshotEntity, CreatedAt: time.Now()}
	require.NoError(t, p.UpsertSnapshot(ctx, rp.ID, snap1))
	require.NoError(t, p.UpsertSnapshot(ctx, rp.ID, snap2))

	points, err := p.LoadPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, rp.Name, points[0].Name)

	snaps, err := p.LoadSnapshots(ctx, rp.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestBoltPersistenceDeleteSnapshotsForPointIsScopedByPrefix(t *testing.T) {
	p := openTestBoltPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertSnapshot(ctx, "rpA", &types.Snapshot{ID: "s1", RollbackPointID: "rpA", Type: types.SnapshotEntity}))
	require.NoError(t, p.UpsertSnapshot(ctx, "rpAB", &types.Snapshot{ID: "s2", RollbackPointID: "rpAB", Type: types.SnapshotEntity}))

	require.NoError(t, p.DeleteSnapshotsForPoint(ctx, "rpA"))

	snapsA, err := p.LoadSnapshots(ctx, "rpA")
	require.NoError(t, err)
	require.Empty(t, snapsA)

	snapsAB, err := p.LoadSnapshots(ctx, "rpAB")
	require.NoError(t, err)
	require.Len(t, snapsAB, 1)
}

func TestBoltPersistenceDeletePoint(t *testing.T) {
	p := openTestBoltPersistence(t)
	ctx := context.Background()

	rp := &types.RollbackPoint{ID: "rp1", Name: "n"}
	require.NoError(t, p.UpsertPoint(ctx, rp))
	require.NoError(t, p.DeletePoint(ctx, rp.ID))

	points, err := p.LoadPoints(ctx)
	require.NoError(t, err)
	require.Empty(t, points)
}
