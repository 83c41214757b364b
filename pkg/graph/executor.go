// Package graph defines the write contract to the external graph service
// and a bounded-concurrency fallback for backends that lack native
// bulk operations, plus optional write-side caching and buffering.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// ItemResult is the per-item outcome of a bulk write.
type ItemResult struct {
	ID      string
	Success bool
	Result  any
	Error   error
}

// WriteOptions tunes one write call.
type WriteOptions struct {
	Concurrency int // bounded-concurrency fallback width, 0 uses the executor default
}

// Executor is the contract every write-adapter backend satisfies. A backend may
// implement BulkEntityWriter/BulkRelationshipWriter/BulkEmbeddingWriter
// natively; Adapter falls back to chunked individual calls when it doesn't.
type Executor interface {
	CreateEntity(ctx context.Context, e *types.Entity) error
	CreateRelationship(ctx context.Context, r *types.Relationship) error
	CreateEmbedding(ctx context.Context, entityID string, vector []float32) error
}

// BulkEntityWriter is implemented by backends with a native bulk entity op.
type BulkEntityWriter interface {
	CreateEntitiesBulk(ctx context.Context, entities []*types.Entity, opts WriteOptions) []ItemResult
}

// BulkRelationshipWriter is implemented by backends with a native bulk
// relationship op.
type BulkRelationshipWriter interface {
	CreateRelationshipsBulk(ctx context.Context, rels []*types.Relationship, opts WriteOptions) []ItemResult
}

// BulkEmbeddingWriter is implemented by backends with a native bulk
// embedding op.
type BulkEmbeddingWriter interface {
	CreateEmbeddingsBatch(ctx context.Context, entityIDs []string, vectors [][]float32, opts WriteOptions) []ItemResult
}

// CacheConfig configures the optional write-id cache.
type CacheConfig struct {
	Enabled bool
	MaxSize int
}

// BufferConfig configures the optional write buffering.
type BufferConfig struct {
	Enabled       bool
	FlushSize     int
	FlushInterval time.Duration
}

// Config configures the Adapter.
type Config struct {
	DefaultConcurrency int
	Cache              CacheConfig
	Buffer             BufferConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 8,
		Cache:              CacheConfig{Enabled: true, MaxSize: 50000},
		Buffer:             BufferConfig{Enabled: false, FlushSize: 100, FlushInterval: 2 * time.Second},
	}
}

// Adapter wraps an Executor, providing bulk semantics (native when
// available, chunked-concurrent fallback otherwise), an optional
// already-written id cache, and optional buffering.
type Adapter struct {
	cfg      Config
	backend  Executor
	logger   zerolog.Logger

	cacheMu sync.Mutex
	written map[string]struct{}
	order   []string // FIFO eviction order for the bounded cache

	bufMu   sync.Mutex
	buffer  []*types.Entity
	stopCh  chan struct{}
}

// NewAdapter builds an Adapter over backend.
func NewAdapter(cfg Config, backend Executor) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		backend: backend,
		logger:  log.WithComponent("graph-adapter"),
		written: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	if cfg.Buffer.Enabled {
		go a.flushLoop()
	}
	return a
}

func (a *Adapter) flushLoop() {
	ticker := time.NewTicker(a.cfg.Buffer.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// Close stops the flush loop, flushing anything buffered.
func (a *Adapter) Close() {
	close(a.stopCh)
	a.Flush(context.Background())
}

// CreateEntitiesBulk writes entities, skipping ids already seen by the
// cache, using the backend's native bulk op when available.
func (a *Adapter) CreateEntitiesBulk(ctx context.Context, entities []*types.Entity, opts WriteOptions) []ItemResult {
	pending := a.filterCached(entities)
	if len(pending) == 0 {
		return nil
	}

	if a.cfg.Buffer.Enabled {
		a.enqueue(pending)
		return a.optimisticResults(pending)
	}

	var results []ItemResult
	if bw, ok := a.backend.(BulkEntityWriter); ok {
		results = bw.CreateEntitiesBulk(ctx, pending, opts)
	} else {
		results = a.fallbackEntities(ctx, pending, opts)
	}
	a.markWritten(results)
	return results
}

func (a *Adapter) enqueue(entities []*types.Entity) {
	a.bufMu.Lock()
	defer a.bufMu.Unlock()
	a.buffer = append(a.buffer, entities...)
	if len(a.buffer) >= a.cfg.Buffer.FlushSize {
		go a.Flush(context.Background())
	}
}

// Flush writes whatever is currently buffered.
func (a *Adapter) Flush(ctx context.Context) []ItemResult {
	a.bufMu.Lock()
	pending := a.buffer
	a.buffer = nil
	a.bufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var results []ItemResult
	if bw, ok := a.backend.(BulkEntityWriter); ok {
		results = bw.CreateEntitiesBulk(ctx, pending, WriteOptions{})
	} else {
		results = a.fallbackEntities(ctx, pending, WriteOptions{})
	}
	a.markWritten(results)
	return results
}

func (a *Adapter) optimisticResults(entities []*types.Entity) []ItemResult {
	out := make([]ItemResult, len(entities))
	for i, e := range entities {
		out[i] = ItemResult{ID: e.ID, Success: true}
	}
	return out
}

func (a *Adapter) fallbackEntities(ctx context.Context, entities []*types.Entity, opts WriteOptions) []ItemResult {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.DefaultConcurrency
	}
	results := make([]ItemResult, len(entities))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, e := range entities {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, e *types.Entity) {
			defer wg.Done()
			defer func() { <-sem }()
			err := a.backend.CreateEntity(ctx, e)
			results[i] = ItemResult{ID: e.ID, Success: err == nil, Error: err}
		}(i, e)
	}
	wg.Wait()
	return results
}

// CreateRelationshipsBulk writes relationships, falling back to chunked
// individual calls when the backend lacks a native bulk op.
func (a *Adapter) CreateRelationshipsBulk(ctx context.Context, rels []*types.Relationship, opts WriteOptions) []ItemResult {
	if bw, ok := a.backend.(BulkRelationshipWriter); ok {
		return bw.CreateRelationshipsBulk(ctx, rels, opts)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.DefaultConcurrency
	}
	results := make([]ItemResult, len(rels))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, r := range rels {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, r *types.Relationship) {
			defer wg.Done()
			defer func() { <-sem }()
			err := a.backend.CreateRelationship(ctx, r)
			results[i] = ItemResult{ID: r.ID, Success: err == nil, Error: err}
		}(i, r)
	}
	wg.Wait()
	return results
}

// CreateEmbeddingsBatch writes embeddings, falling back to chunked
// individual calls when the backend lacks a native bulk op.
func (a *Adapter) CreateEmbeddingsBatch(ctx context.Context, entityIDs []string, vectors [][]float32, opts WriteOptions) []ItemResult {
	if bw, ok := a.backend.(BulkEmbeddingWriter); ok {
		return bw.CreateEmbeddingsBatch(ctx, entityIDs, vectors, opts)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.DefaultConcurrency
	}
	results := make([]ItemResult, len(entityIDs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range entityIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			err := a.backend.CreateEmbedding(ctx, entityIDs[i], vectors[i])
			results[i] = ItemResult{ID: entityIDs[i], Success: err == nil, Error: err}
		}(i)
	}
	wg.Wait()
	return results
}

func (a *Adapter) filterCached(entities []*types.Entity) []*types.Entity {
	if !a.cfg.Cache.Enabled {
		return entities
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	out := make([]*types.Entity, 0, len(entities))
	for _, e := range entities {
		if _, seen := a.written[e.ID]; !seen {
			out = append(out, e)
		}
	}
	return out
}

func (a *Adapter) markWritten(results []ItemResult) {
	if !a.cfg.Cache.Enabled {
		return
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for _, r := range results {
		if !r.Success {
			continue
		}
		if _, seen := a.written[r.ID]; seen {
			continue
		}
		if len(a.order) >= a.cfg.Cache.MaxSize {
			oldest := a.order[0]
			a.order = a.order[1:]
			delete(a.written, oldest)
		}
		a.written[r.ID] = struct{}{}
		a.order = append(a.order, r.ID)
	}
}
