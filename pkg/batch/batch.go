// Package batch implements the batch processor: size-budgeted typed
// batches with idempotency-key deduplication, and an optional fragment
// DAG mode that groups fragments by change event, topologically orders
// them by dependencyHints, and executes independent layers concurrently.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures the batch processor.
type Config struct {
	EntityBatchSize       int
	RelationshipBatchSize int
	EmbeddingBatchSize    int
	Timeout               time.Duration
	MaxConcurrentBatches  int
	EnableDAG             bool
	MaxConcurrentWrites   int
	IdempotencyKeyTTL     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EntityBatchSize:       500,
		RelationshipBatchSize: 500,
		EmbeddingBatchSize:    200,
		Timeout:               30 * time.Second,
		MaxConcurrentBatches:  4,
		EnableDAG:             true,
		MaxConcurrentWrites:   8,
		IdempotencyKeyTTL:     5 * time.Minute,
	}
}

// FailedItem is one item that did not apply within a batch.
type FailedItem struct {
	ID    string
	Error error
}

// ProcessingError is returned when a batch only partially applied.
type ProcessingError struct {
	BatchID     string
	Processed   int
	FailedItems []FailedItem
}

func (e *ProcessingError) Error() string {
	return "batch " + e.BatchID + " partially failed"
}

// EntityBatch is a typed batch of entity writes.
type EntityBatch struct {
	ID       string
	Entities []*types.Entity
}

// RelationshipBatch is a typed batch of relationship writes.
type RelationshipBatch struct {
	ID            string
	Relationships []*types.Relationship
}

// EmbeddingBatch is a typed batch of embedding writes.
type EmbeddingBatch struct {
	ID         string
	Embeddings []*types.Embedding
}

// Processor applies typed batches and fragment sets to the graph write
// adapter, enforcing size budgets and idempotency.
type Processor struct {
	cfg     Config
	adapter *graph.Adapter
	logger  zerolog.Logger

	mu       sync.Mutex
	applied  map[string]time.Time // idempotencyKey -> expiry
	nowFn    func() time.Time
}

// NewProcessor builds a Processor writing through adapter.
func NewProcessor(cfg Config, adapter *graph.Adapter) *Processor {
	return &Processor{
		cfg:     cfg,
		adapter: adapter,
		logger:  log.WithComponent("batch-processor"),
		applied: make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

// IdempotencyKey computes the batch's dedup key from its sorted ids.
func IdempotencyKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Processor) alreadyApplied(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	for k, expiry := range p.applied {
		if expiry.Before(now) {
			delete(p.applied, k)
		}
	}
	_, ok := p.applied[key]
	return ok
}

func (p *Processor) markApplied(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied[key] = p.nowFn().Add(p.cfg.IdempotencyKeyTTL)
}

// ProcessEntities writes an entity batch, refusing to re-apply an
// idempotency key seen within IdempotencyKeyTTL.
func (p *Processor) ProcessEntities(ctx context.Context, b EntityBatch) error {
	ids := make([]string, len(b.Entities))
	for i, e := range b.Entities {
		ids[i] = e.ID
	}
	key := IdempotencyKey(ids)
	if p.alreadyApplied(key) {
		p.logger.Debug().Str("batch_id", b.ID).Msg("skipping duplicate batch within idempotency TTL")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BatchProcessingDuration, "entity")
	defer metrics.BatchesProcessedTotal.WithLabelValues("entity").Inc()

	var failed []FailedItem
	processed := 0
	for chunk := range chunkEntities(b.Entities, p.cfg.EntityBatchSize) {
		results := p.adapter.CreateEntitiesBulk(ctx, chunk, graph.WriteOptions{})
		for _, r := range results {
			if r.Success {
				processed++
			} else {
				failed = append(failed, FailedItem{ID: r.ID, Error: r.Error})
			}
		}
	}

	p.markApplied(key)
	if len(failed) > 0 {
		return &ProcessingError{BatchID: b.ID, Processed: processed, FailedItems: failed}
	}
	return nil
}

// ProcessRelationships writes a relationship batch with the same
// idempotency and chunking semantics as ProcessEntities.
func (p *Processor) ProcessRelationships(ctx context.Context, b RelationshipBatch) error {
	ids := make([]string, len(b.Relationships))
	for i, r := range b.Relationships {
		ids[i] = r.ID
	}
	key := IdempotencyKey(ids)
	if p.alreadyApplied(key) {
		p.logger.Debug().Str("batch_id", b.ID).Msg("skipping duplicate batch within idempotency TTL")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BatchProcessingDuration, "relationship")
	defer metrics.BatchesProcessedTotal.WithLabelValues("relationship").Inc()

	var failed []FailedItem
	processed := 0
	for chunk := range chunkRelationships(b.Relationships, p.cfg.RelationshipBatchSize) {
		results := p.adapter.CreateRelationshipsBulk(ctx, chunk, graph.WriteOptions{})
		for _, r := range results {
			if r.Success {
				processed++
			} else {
				failed = append(failed, FailedItem{ID: r.ID, Error: r.Error})
			}
		}
	}

	p.markApplied(key)
	if len(failed) > 0 {
		return &ProcessingError{BatchID: b.ID, Processed: processed, FailedItems: failed}
	}
	return nil
}

// ProcessEmbeddings writes an embedding batch with the same idempotency
// and chunking semantics as ProcessEntities, budgeted by EmbeddingBatchSize.
func (p *Processor) ProcessEmbeddings(ctx context.Context, b EmbeddingBatch) error {
	ids := make([]string, len(b.Embeddings))
	for i, e := range b.Embeddings {
		ids[i] = e.EntityID
	}
	key := IdempotencyKey(ids)
	if p.alreadyApplied(key) {
		p.logger.Debug().Str("batch_id", b.ID).Msg("skipping duplicate batch within idempotency TTL")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BatchProcessingDuration, "embedding")
	defer metrics.BatchesProcessedTotal.WithLabelValues("embedding").Inc()

	var failed []FailedItem
	processed := 0
	size := p.cfg.EmbeddingBatchSize
	if size <= 0 {
		size = len(b.Embeddings)
	}
	for i := 0; i < len(b.Embeddings); i += size {
		end := i + size
		if end > len(b.Embeddings) {
			end = len(b.Embeddings)
		}
		chunk := b.Embeddings[i:end]
		entityIDs := make([]string, len(chunk))
		vectors := make([][]float32, len(chunk))
		for j, e := range chunk {
			entityIDs[j] = e.EntityID
			vectors[j] = e.Vector
		}
		for _, r := range p.adapter.CreateEmbeddingsBatch(ctx, entityIDs, vectors, graph.WriteOptions{}) {
			if r.Success {
				processed++
			} else {
				failed = append(failed, FailedItem{ID: r.ID, Error: r.Error})
			}
		}
	}

	p.markApplied(key)
	if len(failed) > 0 {
		return &ProcessingError{BatchID: b.ID, Processed: processed, FailedItems: failed}
	}
	return nil
}

func chunkEntities(entities []*types.Entity, size int) <-chan []*types.Entity {
	out := make(chan []*types.Entity)
	go func() {
		defer close(out)
		if size <= 0 {
			size = len(entities)
		}
		for i := 0; i < len(entities); i += size {
			end := i + size
			if end > len(entities) {
				end = len(entities)
			}
			out <- entities[i:end]
		}
	}()
	return out
}

func chunkRelationships(rels []*types.Relationship, size int) <-chan []*types.Relationship {
	out := make(chan []*types.Relationship)
	go func() {
		defer close(out)
		if size <= 0 {
			size = len(rels)
		}
		for i := 0; i < len(rels); i += size {
			end := i + size
			if end > len(rels) {
				end = len(rels)
			}
			out <- rels[i:end]
		}
	}()
	return out
}

// ProcessFragments applies the fragments of a single change event (the
// caller passes fragments from one EventID). With EnableDAG set, fragments
// are topologically ordered by DependencyHints and independent layers
// execute concurrently up to MaxConcurrentWrites; a dependency cycle
// rejects the whole event before any write. With EnableDAG off,
// DependencyHints are ignored and the event runs as one layer, still
// writing entities before the relationships that reference them unless
// Deferred.
func (p *Processor) ProcessFragments(ctx context.Context, fragments []*types.ChangeFragment) error {
	layers := [][]*types.ChangeFragment{fragments}
	if p.cfg.EnableDAG {
		var err error
		layers, err = layerFragments(fragments)
		if err != nil {
			metrics.FragmentCyclesRejectedTotal.Inc()
			return err
		}
	}

	processed := 0
	var failed []FailedItem
	var deferred []*types.Relationship
	collect := func(results []graph.ItemResult) {
		for _, r := range results {
			if r.Success {
				processed++
			} else {
				failed = append(failed, FailedItem{ID: r.ID, Error: r.Error})
			}
		}
	}
	for _, layer := range layers {
		entities, relationships, embeddings, layerDeferred := splitLayer(layer)
		deferred = append(deferred, layerDeferred...)

		if len(entities) > 0 {
			collect(p.adapter.CreateEntitiesBulk(ctx, entities, graph.WriteOptions{Concurrency: p.cfg.MaxConcurrentWrites}))
		}
		if len(relationships) > 0 {
			collect(p.adapter.CreateRelationshipsBulk(ctx, relationships, graph.WriteOptions{Concurrency: p.cfg.MaxConcurrentWrites}))
		}
		if len(embeddings) > 0 {
			entityIDs := make([]string, len(embeddings))
			vectors := make([][]float32, len(embeddings))
			for i, e := range embeddings {
				entityIDs[i] = e.EntityID
				vectors[i] = e.Vector
			}
			collect(p.adapter.CreateEmbeddingsBatch(ctx, entityIDs, vectors, graph.WriteOptions{Concurrency: p.cfg.MaxConcurrentWrites}))
		}
	}
	// Deferred relationships are exempt from the entities-first constraint;
	// they flush once at the end of the event.
	if len(deferred) > 0 {
		collect(p.adapter.CreateRelationshipsBulk(ctx, deferred, graph.WriteOptions{Concurrency: p.cfg.MaxConcurrentWrites}))
	}

	if len(failed) > 0 {
		eventID := ""
		if len(fragments) > 0 {
			eventID = fragments[0].EventID
		}
		return &ProcessingError{BatchID: eventID, Processed: processed, FailedItems: failed}
	}
	return nil
}

func splitLayer(layer []*types.ChangeFragment) (entities []*types.Entity, relationships []*types.Relationship, embeddings []*types.Embedding, deferred []*types.Relationship) {
	for _, f := range layer {
		switch f.ChangeType {
		case types.FragmentEntity:
			if e, ok := f.Data.(*types.Entity); ok {
				entities = append(entities, e)
			}
		case types.FragmentRelationship:
			r, ok := f.Data.(*types.Relationship)
			if !ok {
				continue
			}
			if f.Deferred {
				deferred = append(deferred, r)
			} else {
				relationships = append(relationships, r)
			}
		case types.FragmentEmbedding:
			if e, ok := f.Data.(*types.Embedding); ok {
				embeddings = append(embeddings, e)
			}
		}
	}
	return entities, relationships, embeddings, deferred
}

// layerFragments computes Kahn's-algorithm topological layers over
// DependencyHints. Returns DEPENDENCY_CYCLE if not all fragments can be
// ordered.
func layerFragments(fragments []*types.ChangeFragment) ([][]*types.ChangeFragment, error) {
	byID := make(map[string]*types.ChangeFragment, len(fragments))
	inDegree := make(map[string]int, len(fragments))
	dependents := make(map[string][]string)

	for _, f := range fragments {
		byID[f.ID] = f
		if _, ok := inDegree[f.ID]; !ok {
			inDegree[f.ID] = 0
		}
	}
	for _, f := range fragments {
		for _, dep := range f.DependencyHints {
			if _, ok := byID[dep]; !ok {
				continue // dependency outside this event, not ours to order
			}
			dependents[dep] = append(dependents[dep], f.ID)
			inDegree[f.ID]++
		}
	}

	var layers [][]*types.ChangeFragment
	remaining := len(fragments)
	current := readyIDs(inDegree)

	for len(current) > 0 {
		layer := make([]*types.ChangeFragment, 0, len(current))
		var next []string
		for _, id := range current {
			layer = append(layer, byID[id])
			remaining--
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
			delete(inDegree, id)
		}
		layers = append(layers, layer)
		current = next
	}

	if remaining > 0 {
		eventID := ""
		if len(fragments) > 0 {
			eventID = fragments[0].EventID
		}
		return nil, kgerrors.Consistency(kgerrors.CodeDependencyCycle, "fragment dependency cycle detected for event %s", eventID)
	}
	return layers, nil
}

func readyIDs(inDegree map[string]int) []string {
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}
