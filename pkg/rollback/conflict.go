package rollback

import (
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
)

// MergeHeuristics tunes the MERGE conflict resolution mode's smart-merge
// behavior.
type MergeHeuristics struct {
	PreferNewer       bool // keep whichever side has the later LastModified
	PreserveStructure bool // keep the current side's Path/structural fields
	AllowPartialMerge bool // union Metadata instead of replacing it wholesale
	SemanticAnalysis  bool // reserved for content-aware merges; currently a no-op flag
}

// DefaultMergeHeuristics returns the conservative default: prefer the
// rollback's recorded value but union metadata and keep newer timestamps.
func DefaultMergeHeuristics() MergeHeuristics {
	return MergeHeuristics{PreferNewer: true, PreserveStructure: true, AllowPartialMerge: true}
}

// ResolutionOutcome is what a ConflictResolver decided for one conflict.
type ResolutionOutcome struct {
	Skip        bool
	MergedValue any
}

// ConflictResolver detects and resolves disagreements between a rollback
// point's recorded state and whatever the graph looks like when the
// rollback actually executes.
type ConflictResolver struct {
	heuristics MergeHeuristics
}

// NewConflictResolver builds a resolver using the given merge heuristics.
func NewConflictResolver(h MergeHeuristics) *ConflictResolver {
	return &ConflictResolver{heuristics: h}
}

// detect classifies a diff entry as a conflict needing resolution. Update
// entries always conflict (the graph moved since the snapshot); create
// entries conflict because the target was deleted since the snapshot;
// delete entries conflict because something new appeared since.
func (r *ConflictResolver) detect(e types.DiffEntry) (types.Conflict, bool) {
	switch e.Operation {
	case types.DiffUpdate:
		return types.Conflict{Path: e.Path, Type: types.ConflictValueMismatch, CurrentValue: e.OldValue, RollbackValue: e.NewValue}, true
	case types.DiffCreate:
		return types.Conflict{Path: e.Path, Type: types.ConflictDeletedSince, CurrentValue: nil, RollbackValue: e.NewValue}, true
	case types.DiffDelete:
		return types.Conflict{Path: e.Path, Type: types.ConflictCreatedSince, CurrentValue: e.OldValue, RollbackValue: nil}, true
	default:
		return types.Conflict{}, false
	}
}

// Resolve applies mode to a detected conflict.
func (r *ConflictResolver) Resolve(c types.Conflict, mode types.ConflictResolutionMode) (*ResolutionOutcome, error) {
	switch mode {
	case types.ResolveAbort:
		return nil, kgerrors.Business(kgerrors.CodeValidation, "rollback aborted: conflict at %s (%s)", c.Path, c.Type)
	case types.ResolveSkip:
		return &ResolutionOutcome{Skip: true}, nil
	case types.ResolveOverwrite:
		return &ResolutionOutcome{}, nil
	case types.ResolveManual:
		return &ResolutionOutcome{Skip: true}, nil
	case types.ResolveMerge:
		return &ResolutionOutcome{MergedValue: r.merge(c)}, nil
	default:
		return &ResolutionOutcome{}, nil
	}
}

func (r *ConflictResolver) merge(c types.Conflict) any {
	if c.CurrentValue == nil {
		return c.RollbackValue
	}
	if cur, ok := c.CurrentValue.(*types.Entity); ok {
		if rb, ok2 := c.RollbackValue.(*types.Entity); ok2 {
			return mergeEntities(cur, rb, r.heuristics)
		}
	}
	if cur, ok := c.CurrentValue.(*types.Relationship); ok {
		if rb, ok2 := c.RollbackValue.(*types.Relationship); ok2 {
			return mergeRelationships(cur, rb, r.heuristics)
		}
	}
	return c.RollbackValue
}

func mergeEntities(current, rollback *types.Entity, h MergeHeuristics) *types.Entity {
	merged := *rollback
	if h.PreserveStructure {
		merged.Path = current.Path
	}
	if h.PreferNewer && current.LastModified.After(rollback.LastModified) {
		merged.Hash = current.Hash
		merged.LastModified = current.LastModified
	}
	if h.AllowPartialMerge {
		merged.Metadata = mergeMaps(current.Metadata, rollback.Metadata)
	}
	return &merged
}

func mergeRelationships(current, rollback *types.Relationship, h MergeHeuristics) *types.Relationship {
	merged := *rollback
	if h.PreferNewer && current.LastModified.After(rollback.LastModified) {
		merged.Version = current.Version
		merged.LastModified = current.LastModified
	}
	if h.AllowPartialMerge {
		merged.Metadata = mergeMaps(current.Metadata, rollback.Metadata)
	}
	return &merged
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
