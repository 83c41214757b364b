package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRollbackPoints = []byte("rollback_points")
	bucketSnapshots      = []byte("snapshots")
)

// BoltPersistence implements Persistence on top of BoltDB with one bucket
// per record kind: rollback points keyed by id, and snapshots keyed by
// "<rollbackPointID>/<snapshotID>" so a prefix scan lists everything that
// belongs to one point without a secondary index.
type BoltPersistence struct {
	db *bolt.DB
}

// NewBoltPersistence opens (creating if absent) the bbolt database at path.
// The buckets are created by Initialize.
func NewBoltPersistence(path string) (*BoltPersistence, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, kgerrors.Durable(err, "open rollback db at %s", path)
	}
	return &BoltPersistence{db: db}, nil
}

// Initialize creates the rollback_points and snapshots buckets if absent.
func (p *BoltPersistence) Initialize(ctx context.Context) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRollbackPoints); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		return kgerrors.Durable(err, "create rollback buckets")
	}
	return nil
}

// UpsertPoint inserts or replaces a rollback_points row keyed by rp.ID.
func (p *BoltPersistence) UpsertPoint(ctx context.Context, rp *types.RollbackPoint) error {
	data, err := json.Marshal(rp)
	if err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "marshal rollback point %s: %v", rp.ID, err)
	}
	err = p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRollbackPoints).Put([]byte(rp.ID), data)
	})
	if err != nil {
		return kgerrors.Durable(err, "upsert rollback point %s", rp.ID)
	}
	return nil
}

// DeletePoint removes a rollback_points row.
func (p *BoltPersistence) DeletePoint(ctx context.Context, id string) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRollbackPoints).Delete([]byte(id))
	})
	if err != nil {
		return kgerrors.Durable(err, "delete rollback point %s", id)
	}
	return nil
}

// LoadPoints returns every persisted rollback point.
func (p *BoltPersistence) LoadPoints(ctx context.Context) ([]*types.RollbackPoint, error) {
	var out []*types.RollbackPoint
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRollbackPoints).ForEach(func(k, v []byte) error {
			var rp types.RollbackPoint
			if err := json.Unmarshal(v, &rp); err != nil {
				return err
			}
			out = append(out, &rp)
			return nil
		})
	})
	if err != nil {
		return nil, kgerrors.Durable(err, "load rollback points")
	}
	return out, nil
}

// UpsertSnapshot inserts or replaces a snapshot row under its rollback point's
// key prefix.
func (p *BoltPersistence) UpsertSnapshot(ctx context.Context, rollbackPointID string, snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "marshal snapshot %s: %v", snap.ID, err)
	}
	key := snapshotKey(rollbackPointID, snap.ID)
	err = p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(key, data)
	})
	if err != nil {
		return kgerrors.Durable(err, "upsert snapshot %s", snap.ID)
	}
	return nil
}

// DeleteSnapshotsForPoint removes every snapshot whose key is prefixed by
// rollbackPointID.
func (p *BoltPersistence) DeleteSnapshotsForPoint(ctx context.Context, rollbackPointID string) error {
	prefix := []byte(rollbackPointID + "/")
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return kgerrors.Durable(err, "delete snapshots for rollback point %s", rollbackPointID)
	}
	return nil
}

// persistedSnapshot defers payload decoding so the typed payload can be
// restored by snapshot type on load.
type persistedSnapshot struct {
	ID              string
	RollbackPointID string
	Type            types.SnapshotType
	Payload         json.RawMessage
	CreatedAt       time.Time
}

// LoadSnapshots returns every snapshot for rollbackPointID via a prefix
// scan, restoring the typed payload the diff engine expects.
func (p *BoltPersistence) LoadSnapshots(ctx context.Context, rollbackPointID string) ([]*types.Snapshot, error) {
	prefix := []byte(rollbackPointID + "/")
	var out []*types.Snapshot
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ps persistedSnapshot
			if err := json.Unmarshal(v, &ps); err != nil {
				return err
			}
			snap := &types.Snapshot{ID: ps.ID, RollbackPointID: ps.RollbackPointID, Type: ps.Type, CreatedAt: ps.CreatedAt}
			switch ps.Type {
			case types.SnapshotEntity:
				var payload EntitySnapshotPayload
				if err := json.Unmarshal(ps.Payload, &payload); err != nil {
					return err
				}
				snap.Payload = payload
			case types.SnapshotRelationship:
				var payload RelationshipSnapshotPayload
				if err := json.Unmarshal(ps.Payload, &payload); err != nil {
					return err
				}
				snap.Payload = payload
			default:
				snap.Payload = ps.Payload
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, kgerrors.Durable(err, "load snapshots for rollback point %s", rollbackPointID)
	}
	return out, nil
}

// Ping verifies the database handle is still usable, for health probes.
func (p *BoltPersistence) Ping(ctx context.Context) error {
	return p.db.View(func(*bolt.Tx) error { return nil })
}

// Close closes the underlying database handle.
func (p *BoltPersistence) Close() error {
	return p.db.Close()
}

func snapshotKey(rollbackPointID, snapshotID string) []byte {
	return []byte(fmt.Sprintf("%s/%s", rollbackPointID, snapshotID))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
