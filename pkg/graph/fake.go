package graph

import (
	"context"
	"sync"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
)

// FakeExecutor is an in-memory Executor for tests. It never implements the
// Bulk* interfaces, exercising Adapter's chunked-concurrent fallback path.
type FakeExecutor struct {
	mu            sync.Mutex
	Entities      map[string]*types.Entity
	Relationships map[string]*types.Relationship
	Embeddings    map[string][]float32
	FailIDs       map[string]bool
}

// NewFakeExecutor builds an empty FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		Entities:      make(map[string]*types.Entity),
		Relationships: make(map[string]*types.Relationship),
		Embeddings:    make(map[string][]float32),
		FailIDs:       make(map[string]bool),
	}
}

func (f *FakeExecutor) CreateEntity(ctx context.Context, e *types.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIDs[e.ID] {
		return kgerrors.Durable(nil, "simulated failure writing entity %s", e.ID)
	}
	f.Entities[e.ID] = e
	return nil
}

func (f *FakeExecutor) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIDs[r.ID] {
		return kgerrors.Durable(nil, "simulated failure writing relationship %s", r.ID)
	}
	f.Relationships[r.ID] = r
	return nil
}

func (f *FakeExecutor) CreateEmbedding(ctx context.Context, entityID string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIDs[entityID] {
		return kgerrors.Durable(nil, "simulated failure writing embedding %s", entityID)
	}
	f.Embeddings[entityID] = vector
	return nil
}

// EntityCount returns the number of entities currently stored.
func (f *FakeExecutor) EntityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Entities)
}

// EmbeddingCount returns the number of embeddings currently stored.
func (f *FakeExecutor) EmbeddingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Embeddings)
}
