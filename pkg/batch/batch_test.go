package batch

import (
	"context"
	"testing"

	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor() (*Processor, *graph.FakeExecutor) {
	fake := graph.NewFakeExecutor()
	adapter := graph.NewAdapter(graph.DefaultConfig(), fake)
	return NewProcessor(DefaultConfig(), adapter), fake
}

func TestProcessEntitiesAppliesOnce(t *testing.T) {
	p, fake := newTestProcessor()
	batch := EntityBatch{ID: "b1", Entities: []*types.Entity{{ID: "e1"}, {ID: "e2"}}}

	require.NoError(t, p.ProcessEntities(context.Background(), batch))
	assert.Equal(t, 2, fake.EntityCount())
}

func TestProcessEntitiesIdempotentWithinTTL(t *testing.T) {
	p, fake := newTestProcessor()
	batch := EntityBatch{ID: "b1", Entities: []*types.Entity{{ID: "e1"}}}

	require.NoError(t, p.ProcessEntities(context.Background(), batch))
	require.NoError(t, p.ProcessEntities(context.Background(), batch))
	assert.Equal(t, 1, fake.EntityCount(), "re-applying the same batch within the TTL must be a no-op")
}

func TestProcessEntitiesReturnsPartialFailure(t *testing.T) {
	fake := graph.NewFakeExecutor()
	fake.FailIDs["bad"] = true
	adapter := graph.NewAdapter(graph.DefaultConfig(), fake)
	p := NewProcessor(DefaultConfig(), adapter)

	err := p.ProcessEntities(context.Background(), EntityBatch{ID: "b1", Entities: []*types.Entity{{ID: "good"}, {ID: "bad"}}})
	require.Error(t, err)
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Processed)
	require.Len(t, perr.FailedItems, 1)
	assert.Equal(t, "bad", perr.FailedItems[0].ID)
}

func TestLayerFragmentsOrdersByDependency(t *testing.T) {
	fragments := []*types.ChangeFragment{
		{ID: "f1", EventID: "ev1", ChangeType: types.FragmentEntity, Data: &types.Entity{ID: "e1"}},
		{ID: "f2", EventID: "ev1", ChangeType: types.FragmentRelationship, Data: &types.Relationship{ID: "r1"}, DependencyHints: []string{"f1"}},
	}
	layers, err := layerFragments(fragments)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "f1", layers[0][0].ID)
	assert.Equal(t, "f2", layers[1][0].ID)
}

func TestLayerFragmentsDetectsCycle(t *testing.T) {
	fragments := []*types.ChangeFragment{
		{ID: "f1", EventID: "ev1", DependencyHints: []string{"f2"}},
		{ID: "f2", EventID: "ev1", DependencyHints: []string{"f1"}},
	}
	_, err := layerFragments(fragments)
	require.Error(t, err)
}

func TestProcessFragmentsWritesEntityAndDependentRelationship(t *testing.T) {
	p, fake := newTestProcessor()
	fragments := []*types.ChangeFragment{
		{ID: "f1", EventID: "ev1", ChangeType: types.FragmentEntity, Data: &types.Entity{ID: "e1"}},
		{ID: "f2", EventID: "ev1", ChangeType: types.FragmentRelationship, Data: &types.Relationship{ID: "r1", FromEntityID: "e1", ToEntityID: "e1"}, DependencyHints: []string{"f1"}},
	}
	require.NoError(t, p.ProcessFragments(context.Background(), fragments))
	assert.Equal(t, 1, fake.EntityCount())
	assert.Len(t, fake.Relationships, 1)
}

func TestProcessFragmentsStillWritesDeferredRelationships(t *testing.T) {
	p, fake := newTestProcessor()
	fragments := []*types.ChangeFragment{
		{ID: "f1", EventID: "ev1", ChangeType: types.FragmentRelationship, Data: &types.Relationship{ID: "r1"}, Deferred: true},
		{ID: "f2", EventID: "ev1", ChangeType: types.FragmentEntity, Data: &types.Entity{ID: "e1"}},
	}
	require.NoError(t, p.ProcessFragments(context.Background(), fragments))
	assert.Equal(t, 1, fake.EntityCount())
	assert.Len(t, fake.Relationships, 1, "deferred relationships still get written")
}

func TestProcessFragmentsWithoutDAGIgnoresDependencyHints(t *testing.T) {
	fake := graph.NewFakeExecutor()
	adapter := graph.NewAdapter(graph.DefaultConfig(), fake)
	cfg := DefaultConfig()
	cfg.EnableDAG = false
	p := NewProcessor(cfg, adapter)

	// A cycle in the hints must not matter when DAG mode is off.
	fragments := []*types.ChangeFragment{
		{ID: "f1", EventID: "ev1", ChangeType: types.FragmentEntity, Data: &types.Entity{ID: "e1"}, DependencyHints: []string{"f2"}},
		{ID: "f2", EventID: "ev1", ChangeType: types.FragmentRelationship, Data: &types.Relationship{ID: "r1"}, DependencyHints: []string{"f1"}},
	}
	require.NoError(t, p.ProcessFragments(context.Background(), fragments))
	assert.Equal(t, 1, fake.EntityCount())
	assert.Len(t, fake.Relationships, 1)
}

func TestProcessEmbeddingsWritesVectors(t *testing.T) {
	p, fake := newTestProcessor()
	b := EmbeddingBatch{ID: "b1", Embeddings: []*types.Embedding{
		{EntityID: "e1", Vector: []float32{0.1, 0.2}},
		{EntityID: "e2", Vector: []float32{0.3, 0.4}},
	}}
	require.NoError(t, p.ProcessEmbeddings(context.Background(), b))
	assert.Equal(t, 2, fake.EmbeddingCount())

	require.NoError(t, p.ProcessEmbeddings(context.Background(), b))
	assert.Equal(t, 2, fake.EmbeddingCount(), "re-applying within TTL must be a no-op")
}
