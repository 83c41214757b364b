package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
)

// FakeGraph is an in-memory GraphCheckpointer for tests. FailCreateFor and
// FailLinkFor let tests force a configurable number of failures before a
// given session id starts succeeding.
type FakeGraph struct {
	mu sync.Mutex

	Checkpoints map[string]bool // checkpointID -> exists
	Links       map[string]string
	counter     int

	FailCreateFor map[string]int
	FailLinkFor   map[string]int
}

// NewFakeGraph builds an empty FakeGraph.
func NewFakeGraph() *FakeGraph {
	return &FakeGraph{
		Checkpoints:   make(map[string]bool),
		Links:         make(map[string]string),
		FailCreateFor: make(map[string]int),
		FailLinkFor:   make(map[string]int),
	}
}

func (f *FakeGraph) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason types.CheckpointReason, hops int, window *time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	id := fmt.Sprintf("checkpoint-%d", f.counter)
	f.Checkpoints[id] = true
	return id, nil
}

func (f *FakeGraph) AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID, checkpointIDOrLabel string) error {
	return nil
}

func (f *FakeGraph) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.FailLinkFor[sessionID]; ok && n > 0 {
		f.FailLinkFor[sessionID]--
		return kgerrors.Durable(nil, "simulated link failure for %s", sessionID)
	}
	f.Links[sessionID] = checkpointID
	return nil
}

func (f *FakeGraph) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Checkpoints, checkpointID)
	return nil
}

// FakePersistence is an in-memory Persistence for tests.
type FakePersistence struct {
	mu   sync.Mutex
	rows map[string]*types.CheckpointJobSnapshot
}

// NewFakePersistence builds an empty FakePersistence.
func NewFakePersistence() *FakePersistence {
	return &FakePersistence{rows: make(map[string]*types.CheckpointJobSnapshot)}
}

func (p *FakePersistence) Initialize(ctx context.Context) error { return nil }

func (p *FakePersistence) Upsert(ctx context.Context, snap *types.CheckpointJobSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *snap
	p.rows[snap.ID] = &cp
	return nil
}

func (p *FakePersistence) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, id)
	return nil
}

func (p *FakePersistence) LoadPending(ctx context.Context) ([]*types.CheckpointJobSnapshot, error) {
	return p.loadByStatus(types.JobQueued, types.JobRunning, types.JobPending)
}

func (p *FakePersistence) LoadDeadLetters(ctx context.Context) ([]*types.CheckpointJobSnapshot, error) {
	return p.loadByStatus(types.JobManualIntervention)
}

func (p *FakePersistence) loadByStatus(statuses ...types.CheckpointJobStatus) ([]*types.CheckpointJobSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	want := make(map[types.CheckpointJobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.CheckpointJobSnapshot
	for _, row := range p.rows {
		if want[row.Status] {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *FakePersistence) RowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}
