// Package rollback implements the rollback manager: snapshot
// capture, a path-by-path diff engine, pluggable rollback strategies
// (full/partial/time-based/dry-run), and conflict resolution between a
// snapshot's recorded state and whatever the graph looks like when the
// rollback actually runs.
package rollback

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/tracing"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GraphMutator is the subset of the external graph service the rollback
// manager needs to
// apply a rollback: upsert/delete for the entities and relationships a
// diff entry targets.
type GraphMutator interface {
	UpsertEntity(ctx context.Context, e *types.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	UpsertRelationship(ctx context.Context, r *types.Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
}

// StateReader reads the current value of a tracked entity or relationship,
// for both snapshot capture and diff computation. A nil return with no
// error means "not found".
type StateReader interface {
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
}

// EntitySnapshotPayload is the Payload of a Snapshot{Type: SnapshotEntity}.
type EntitySnapshotPayload struct {
	Entities []*types.Entity
}

// RelationshipSnapshotPayload is the Payload of a Snapshot{Type: SnapshotRelationship}.
type RelationshipSnapshotPayload struct {
	Relationships []*types.Relationship
}

// Persistence is the injected rollback-point persistence interface,
// mirroring the checkpoint runner's job persistence shape.
type Persistence interface {
	Initialize(ctx context.Context) error
	UpsertPoint(ctx context.Context, rp *types.RollbackPoint) error
	DeletePoint(ctx context.Context, id string) error
	LoadPoints(ctx context.Context) ([]*types.RollbackPoint, error)
	UpsertSnapshot(ctx context.Context, rollbackPointID string, snap *types.Snapshot) error
	DeleteSnapshotsForPoint(ctx context.Context, rollbackPointID string) error
	LoadSnapshots(ctx context.Context, rollbackPointID string) ([]*types.Snapshot, error)
}

// Config configures the rollback manager.
type Config struct {
	MaxRollbackPoints    int
	DefaultTTL           time.Duration
	EnablePersistence    bool
	RequireDatabaseReady bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRollbackPoints:    200,
		DefaultTTL:           7 * 24 * time.Hour,
		EnablePersistence:    true,
		RequireDatabaseReady: false,
	}
}

// Manager is the rollback manager: owns rollback points and their
// snapshots, computes diffs against current state, and runs rollback
// operations under a chosen strategy with conflict resolution.
type Manager struct {
	cfg      Config
	reader   StateReader
	mutator  GraphMutator
	persist  Persistence
	broker   *events.Broker
	resolver *ConflictResolver
	logger   zerolog.Logger

	mu        sync.Mutex
	points    map[string]*types.RollbackPoint
	snapshots map[string][]*types.Snapshot // by rollback point id

	opMu   sync.Mutex
	active map[string]*activeOp // by rollback point id
}

type activeOp struct {
	op     *types.RollbackOperation
	cancel context.CancelFunc
}

// NewManager builds a Manager. persist may be nil, in which case rollback
// points are in-memory only even if cfg.EnablePersistence is set.
func NewManager(cfg Config, reader StateReader, mutator GraphMutator, persist Persistence, broker *events.Broker) *Manager {
	return &Manager{
		cfg:       cfg,
		reader:    reader,
		mutator:   mutator,
		persist:   persist,
		broker:    broker,
		resolver:  NewConflictResolver(DefaultMergeHeuristics()),
		logger:    log.WithComponent("rollback-manager"),
		points:    make(map[string]*types.RollbackPoint),
		snapshots: make(map[string][]*types.Snapshot),
		active:    make(map[string]*activeOp),
	}
}

// Hydrate loads persisted rollback points and their snapshots, when
// persistence is configured.
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist.Initialize(ctx); err != nil {
		if m.cfg.RequireDatabaseReady {
			return kgerrors.Durable(err, "rollback persistence not ready")
		}
		m.logger.Warn().Err(err).Msg("rollback persistence unavailable, continuing in-memory")
		return nil
	}
	points, err := m.persist.LoadPoints(ctx)
	if err != nil {
		return kgerrors.Durable(err, "failed to load rollback points")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rp := range points {
		m.points[rp.ID] = rp
		snaps, err := m.persist.LoadSnapshots(ctx, rp.ID)
		if err != nil {
			m.logger.Warn().Str("rollback_point_id", rp.ID).Err(err).Msg("failed to load snapshots")
			continue
		}
		m.snapshots[rp.ID] = snaps
	}
	return nil
}

func (m *Manager) nextID() string {
	return "rollback_" + uuid.New().String()
}

// CreateRollbackPoint captures the current state of entityIDs and
// relationshipIDs into typed snapshots and records a new RollbackPoint.
// When MaxRollbackPoints is exceeded the oldest point is evicted.
func (m *Manager) CreateRollbackPoint(ctx context.Context, name, description, sessionID string, entityIDs, relationshipIDs []string, ttl time.Duration) (*types.RollbackPoint, error) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	var entitySnap EntitySnapshotPayload
	for _, id := range entityIDs {
		e, err := m.reader.GetEntity(ctx, id)
		if err != nil {
			return nil, kgerrors.Durable(err, "capture entity %s for rollback point", id)
		}
		if e != nil {
			entitySnap.Entities = append(entitySnap.Entities, e)
		}
	}
	var relSnap RelationshipSnapshotPayload
	for _, id := range relationshipIDs {
		r, err := m.reader.GetRelationship(ctx, id)
		if err != nil {
			return nil, kgerrors.Durable(err, "capture relationship %s for rollback point", id)
		}
		if r != nil {
			relSnap.Relationships = append(relSnap.Relationships, r)
		}
	}

	m.mu.Lock()
	id := m.nextID()
	now := time.Now()
	rp := &types.RollbackPoint{
		ID: id, Name: name, Description: description, Timestamp: now,
		SessionID: sessionID, ExpiresAt: now.Add(ttl),
		EntityIDs: entityIDs, RelationshipIDs: relationshipIDs,
	}
	m.points[id] = rp
	snaps := []*types.Snapshot{
		{ID: id + "-entities", RollbackPointID: id, Type: types.SnapshotEntity, Payload: entitySnap, CreatedAt: now},
		{ID: id + "-relationships", RollbackPointID: id, Type: types.SnapshotRelationship, Payload: relSnap, CreatedAt: now},
	}
	m.snapshots[id] = snaps

	var evicted string
	if m.cfg.MaxRollbackPoints > 0 && len(m.points) > m.cfg.MaxRollbackPoints {
		evicted = m.oldestLocked()
	}
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.UpsertPoint(ctx, rp); err != nil {
			m.logger.Warn().Str("rollback_point_id", id).Err(err).Msg("failed to persist rollback point")
		}
		for _, s := range snaps {
			if err := m.persist.UpsertSnapshot(ctx, id, s); err != nil {
				m.logger.Warn().Str("rollback_point_id", id).Err(err).Msg("failed to persist snapshot")
			}
		}
	}
	if evicted != "" {
		m.DeleteRollbackPoint(ctx, evicted)
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventRollbackCreated, RollbackPointID: id})
	}
	return rp, nil
}

func (m *Manager) oldestLocked() string {
	var oldestID string
	var oldestAt time.Time
	for id, rp := range m.points {
		if oldestID == "" || rp.Timestamp.Before(oldestAt) {
			oldestID, oldestAt = id, rp.Timestamp
		}
	}
	return oldestID
}

// GetRollbackPoint returns a rollback point by id, or nil if absent.
func (m *Manager) GetRollbackPoint(id string) *types.RollbackPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[id]
}

// DeleteRollbackPoint removes a rollback point and all of its snapshots.
func (m *Manager) DeleteRollbackPoint(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.points[id]
	delete(m.points, id)
	delete(m.snapshots, id)
	m.mu.Unlock()

	if !ok {
		return kgerrors.Business(kgerrors.CodeRollbackNotFound, "rollback point %s not found", id)
	}
	if m.persist != nil {
		if err := m.persist.DeletePoint(ctx, id); err != nil {
			m.logger.Warn().Str("rollback_point_id", id).Err(err).Msg("failed to delete persisted rollback point")
		}
		if err := m.persist.DeleteSnapshotsForPoint(ctx, id); err != nil {
			m.logger.Warn().Str("rollback_point_id", id).Err(err).Msg("failed to delete persisted snapshots")
		}
	}
	return nil
}

// GetDiff computes the current diff for a rollback point: for every
// tracked entity/relationship, compares its snapshot value to its live
// value via StateReader.
func (m *Manager) GetDiff(ctx context.Context, rollbackPointID string) ([]types.DiffEntry, error) {
	m.mu.Lock()
	rp, ok := m.points[rollbackPointID]
	snaps := append([]*types.Snapshot(nil), m.snapshots[rollbackPointID]...)
	m.mu.Unlock()
	if !ok {
		return nil, kgerrors.Business(kgerrors.CodeRollbackNotFound, "rollback point %s not found", rollbackPointID)
	}

	var entries []types.DiffEntry
	capturedEntities := make(map[string]struct{})
	capturedRels := make(map[string]struct{})
	for _, snap := range snaps {
		switch snap.Type {
		case types.SnapshotEntity:
			payload, ok := snap.Payload.(EntitySnapshotPayload)
			if !ok {
				continue
			}
			for _, snapEntity := range payload.Entities {
				capturedEntities[snapEntity.ID] = struct{}{}
				entry, err := m.diffEntity(ctx, snapEntity)
				if err != nil {
					return nil, err
				}
				if entry != nil {
					entries = append(entries, *entry)
				}
			}
		case types.SnapshotRelationship:
			payload, ok := snap.Payload.(RelationshipSnapshotPayload)
			if !ok {
				continue
			}
			for _, snapRel := range payload.Relationships {
				capturedRels[snapRel.ID] = struct{}{}
				entry, err := m.diffRelationship(ctx, snapRel)
				if err != nil {
					return nil, err
				}
				if entry != nil {
					entries = append(entries, *entry)
				}
			}
		}
	}

	// Tracked ids absent from the snapshot did not exist at capture time;
	// if they exist now, rolling back means deleting them.
	for _, id := range rp.EntityIDs {
		if _, ok := capturedEntities[id]; ok {
			continue
		}
		current, err := m.reader.GetEntity(ctx, id)
		if err != nil {
			return nil, kgerrors.Durable(err, "read current entity %s", id)
		}
		if current != nil {
			entries = append(entries, types.DiffEntry{Path: "entity:" + id, Operation: types.DiffDelete, OldValue: current,
				Metadata: map[string]any{"type": "entity", "timestamp": current.LastModified}})
		}
	}
	for _, id := range rp.RelationshipIDs {
		if _, ok := capturedRels[id]; ok {
			continue
		}
		current, err := m.reader.GetRelationship(ctx, id)
		if err != nil {
			return nil, kgerrors.Durable(err, "read current relationship %s", id)
		}
		if current != nil {
			entries = append(entries, types.DiffEntry{Path: "relationship:" + id, Operation: types.DiffDelete, OldValue: current,
				Metadata: map[string]any{"type": "relationship", "timestamp": current.LastModified}})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Manager) diffEntity(ctx context.Context, snapEntity *types.Entity) (*types.DiffEntry, error) {
	current, err := m.reader.GetEntity(ctx, snapEntity.ID)
	if err != nil {
		return nil, kgerrors.Durable(err, "read current entity %s", snapEntity.ID)
	}
	path := "entity:" + snapEntity.ID
	if current == nil {
		return &types.DiffEntry{Path: path, Operation: types.DiffCreate, NewValue: snapEntity,
			Metadata: map[string]any{"type": "entity", "timestamp": snapEntity.LastModified}}, nil
	}
	if entitiesEqual(current, snapEntity) {
		return nil, nil
	}
	return &types.DiffEntry{Path: path, Operation: types.DiffUpdate, OldValue: current, NewValue: snapEntity,
		Metadata: map[string]any{"type": "entity", "timestamp": snapEntity.LastModified}}, nil
}

func (m *Manager) diffRelationship(ctx context.Context, snapRel *types.Relationship) (*types.DiffEntry, error) {
	current, err := m.reader.GetRelationship(ctx, snapRel.ID)
	if err != nil {
		return nil, kgerrors.Durable(err, "read current relationship %s", snapRel.ID)
	}
	path := "relationship:" + snapRel.ID
	if current == nil {
		return &types.DiffEntry{Path: path, Operation: types.DiffCreate, NewValue: snapRel,
			Metadata: map[string]any{"type": "relationship", "timestamp": snapRel.LastModified}}, nil
	}
	if relationshipsEqual(current, snapRel) {
		return nil, nil
	}
	return &types.DiffEntry{Path: path, Operation: types.DiffUpdate, OldValue: current, NewValue: snapRel,
		Metadata: map[string]any{"type": "relationship", "timestamp": snapRel.LastModified}}, nil
}

func entitiesEqual(a, b *types.Entity) bool {
	return a.Hash == b.Hash && a.LastModified.Equal(b.LastModified)
}

func relationshipsEqual(a, b *types.Relationship) bool {
	return a.Version == b.Version && a.LastModified.Equal(b.LastModified)
}

// ExecuteOptions parameterizes one rollback run.
type ExecuteOptions struct {
	Strategy     string // "full", "partial", "time_based", "dry_run"
	ConflictMode types.ConflictResolutionMode
	DryRun       bool
	Selections   []types.PartialSelection // for "partial"
	Window       *TimeWindow               // for "time_based"
}

// TimeWindow bounds a time-based rollback to a change-age window.
type TimeWindow struct {
	RollbackToTimestamp time.Time
	MaxChangeAge        time.Duration
}

// Execute runs a rollback operation against rollbackPointID under the
// chosen strategy, enforcing one active operation per rollback point.
func (m *Manager) Execute(ctx context.Context, rollbackPointID string, opts ExecuteOptions) (opResult *types.RollbackOperation, opErr error) {
	ctx, span := tracing.StartSpan(ctx, "rollback.operation", tracing.RollbackAttr(rollbackPointID))
	defer func() { tracing.EndWithError(span, opErr) }()

	rp := m.GetRollbackPoint(rollbackPointID)
	if rp == nil {
		return nil, kgerrors.Business(kgerrors.CodeRollbackNotFound, "rollback point %s not found", rollbackPointID)
	}

	m.opMu.Lock()
	if _, busy := m.active[rollbackPointID]; busy {
		m.opMu.Unlock()
		return nil, kgerrors.Business(kgerrors.CodeOperationInProgress, "rollback already in progress for %s", rollbackPointID)
	}
	opCtx, cancel := context.WithCancel(ctx)
	op := &types.RollbackOperation{
		ID: m.nextID(), RollbackPointID: rollbackPointID, Strategy: opts.Strategy,
		ConflictMode: opts.ConflictMode, DryRun: opts.DryRun, Status: types.RollbackPending,
		StartedAt: time.Now(),
	}
	m.active[rollbackPointID] = &activeOp{op: op, cancel: cancel}
	m.opMu.Unlock()
	defer func() {
		m.opMu.Lock()
		delete(m.active, rollbackPointID)
		m.opMu.Unlock()
	}()

	timer := metrics.NewTimer()
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventRollbackStarted, RollbackPointID: rollbackPointID, OperationID: op.ID})
	}

	diff, err := m.GetDiff(opCtx, rollbackPointID)
	if err != nil {
		m.finish(op, types.RollbackFailed, err)
		metrics.RollbackOperationsTotal.WithLabelValues("failed").Inc()
		return op, err
	}

	strategy := resolveStrategy(opts.Strategy)
	ec := &ExecuteContext{
		RollbackPoint: rp, Diff: diff, Selections: opts.Selections, Window: opts.Window,
		Mutator: m.mutator, Resolver: m.resolver, ConflictMode: opts.ConflictMode, Operation: op,
		ProgressFn: func(pct int, msg string) { m.reportProgress(op, pct, msg) },
	}

	op.Status = types.RollbackInProgress
	appendLog(op, "starting "+op.Strategy+" rollback")

	if opts.DryRun {
		report, err := strategy.GeneratePreview(opCtx, ec)
		if err != nil {
			m.finish(op, types.RollbackFailed, err)
			metrics.RollbackOperationsTotal.WithLabelValues("failed").Inc()
			return op, err
		}
		appendLog(op, fmt.Sprintf("dry run: %d changes, %d predicted conflicts", report.TotalChanges, len(report.PredictedConflicts)))
		m.finish(op, types.RollbackCompleted, nil)
		metrics.RollbackOperationsTotal.WithLabelValues("completed").Inc()
		metrics.RollbackDuration.Observe(timer.Duration().Seconds())
		return op, nil
	}

	if err := strategy.Validate(opCtx, ec); err != nil {
		m.finish(op, types.RollbackFailed, err)
		metrics.RollbackOperationsTotal.WithLabelValues("failed").Inc()
		return op, err
	}

	result, err := strategy.Execute(opCtx, ec)
	metrics.RollbackDuration.Observe(timer.Duration().Seconds())
	if err != nil {
		if opCtx.Err() != nil {
			m.finish(op, types.RollbackCancelled, err)
			metrics.RollbackOperationsTotal.WithLabelValues("cancelled").Inc()
			return op, err
		}
		m.finish(op, types.RollbackFailed, err)
		metrics.RollbackOperationsTotal.WithLabelValues("failed").Inc()
		return op, err
	}

	appendLog(op, fmt.Sprintf("applied %d, skipped %d, %d conflicts", result.Applied, result.Skipped, len(result.Conflicts)))
	m.finish(op, types.RollbackCompleted, nil)
	metrics.RollbackOperationsTotal.WithLabelValues("completed").Inc()
	return op, nil
}

func (m *Manager) reportProgress(op *types.RollbackOperation, pct int, msg string) {
	op.Progress = pct
	appendLog(op, msg)
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventRollbackProgress, Message: msg, OperationID: op.ID, Progress: pct})
	}
}

func (m *Manager) finish(op *types.RollbackOperation, status types.RollbackOperationStatus, cause error) {
	op.Status = status
	op.FinishedAt = time.Now()
	if status == types.RollbackCompleted {
		op.Progress = 100
	}
	if cause != nil {
		op.Error = cause.Error()
	}
	if m.broker == nil {
		return
	}
	evt := events.EventRollbackCompleted
	if status != types.RollbackCompleted {
		evt = events.EventRollbackFailed
	}
	m.broker.Publish(&events.Event{Type: evt, Message: op.Error, OperationID: op.ID, RollbackPointID: op.RollbackPointID})
}

// CancelRollback cancels an in-progress operation for rollbackPointID.
// Legal only while the operation is IN_PROGRESS.
func (m *Manager) CancelRollback(rollbackPointID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	a, ok := m.active[rollbackPointID]
	if !ok || a.op.Status != types.RollbackInProgress {
		return kgerrors.Business(kgerrors.CodeValidation, "no in-progress rollback for %s", rollbackPointID)
	}
	a.cancel()
	return nil
}

// CleanupExpired removes rollback points (and their snapshots) whose
// ExpiresAt has passed, publishing cleanupCompleted and counting the sweep.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, rp := range m.points {
		if rp.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.DeleteRollbackPoint(ctx, id); err != nil {
			return len(expired), err
		}
	}
	metrics.RollbackPointsExpiredTotal.Add(float64(len(expired)))
	if m.broker != nil && len(expired) > 0 {
		m.broker.Publish(&events.Event{Type: events.EventCleanupCompleted, Count: len(expired)})
	}
	return len(expired), nil
}

func appendLog(op *types.RollbackOperation, msg string) {
	op.Log = append(op.Log, types.LogEntry{Timestamp: time.Now(), Message: msg})
}

func matchesSelection(path string, md map[string]any, sel types.PartialSelection) bool {
	if sel.Type != "" {
		t, _ := md["type"].(string)
		if t != sel.Type {
			return false
		}
	}
	if len(sel.Identifiers) > 0 {
		found := false
		for _, id := range sel.Identifiers {
			if path == "entity:"+id || path == "relationship:"+id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sel.Regex != "" {
		re, err := regexp.Compile(sel.Regex)
		if err != nil || !re.MatchString(path) {
			return false
		}
	}
	return true
}
