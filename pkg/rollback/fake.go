package rollback

import (
	"context"
	"sync"

	"github.com/cuemby/repograph/pkg/types"
)

// FakeStateReader is an in-memory StateReader for tests.
type FakeStateReader struct {
	mu            sync.Mutex
	Entities      map[string]*types.Entity
	Relationships map[string]*types.Relationship
}

// NewFakeStateReader builds an empty FakeStateReader.
func NewFakeStateReader() *FakeStateReader {
	return &FakeStateReader{Entities: make(map[string]*types.Entity), Relationships: make(map[string]*types.Relationship)}
}

func (f *FakeStateReader) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Entities[id], nil
}

func (f *FakeStateReader) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Relationships[id], nil
}

// Put seeds or overwrites an entity, as the live graph would look after an
// ingest that happened since a rollback point was captured.
func (f *FakeStateReader) Put(e *types.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Entities[e.ID] = e
}

// Remove deletes an entity, simulating a delete that happened since capture.
func (f *FakeStateReader) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Entities, id)
}

// PutRelationship seeds or overwrites a relationship.
func (f *FakeStateReader) PutRelationship(r *types.Relationship) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Relationships[r.ID] = r
}

// FakeMutator is an in-memory GraphMutator for tests; it counts writes so
// dry-run tests can assert zero mutation.
type FakeMutator struct {
	mu            sync.Mutex
	Entities      map[string]*types.Entity
	Relationships map[string]*types.Relationship
	Writes        int
}

// NewFakeMutator builds an empty FakeMutator.
func NewFakeMutator() *FakeMutator {
	return &FakeMutator{Entities: make(map[string]*types.Entity), Relationships: make(map[string]*types.Relationship)}
}

func (f *FakeMutator) UpsertEntity(ctx context.Context, e *types.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Entities[e.ID] = e
	f.Writes++
	return nil
}

func (f *FakeMutator) DeleteEntity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Entities, id)
	f.Writes++
	return nil
}

func (f *FakeMutator) UpsertRelationship(ctx context.Context, r *types.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Relationships[r.ID] = r
	f.Writes++
	return nil
}

func (f *FakeMutator) DeleteRelationship(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Relationships, id)
	f.Writes++
	return nil
}
