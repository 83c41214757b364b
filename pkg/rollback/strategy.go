package rollback

import (
	"context"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
)

// ExecuteContext carries everything a Strategy needs to validate, execute,
// or preview a rollback run.
type ExecuteContext struct {
	RollbackPoint *types.RollbackPoint
	Diff          []types.DiffEntry
	Selections    []types.PartialSelection
	Window        *TimeWindow
	Mutator       GraphMutator
	Resolver      *ConflictResolver
	ConflictMode  types.ConflictResolutionMode
	Operation     *types.RollbackOperation
	ProgressFn    func(pct int, msg string)
}

// ExecutionResult summarizes the outcome of a non-preview Strategy.Execute.
type ExecutionResult struct {
	Applied   int
	Skipped   int
	Conflicts []types.Conflict
}

// Strategy is a pluggable rollback execution mode: full,
// partial, time-based, or dry-run. All four share the same diff and
// conflict-resolution machinery and differ only in which diff entries they
// consider and whether they mutate anything.
type Strategy interface {
	Name() string
	Validate(ctx context.Context, ec *ExecuteContext) error
	Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error)
	GeneratePreview(ctx context.Context, ec *ExecuteContext) (*types.DryRunReport, error)
}

func resolveStrategy(name string) Strategy {
	switch name {
	case "partial":
		return partialStrategy{}
	case "time_based":
		return timeBasedStrategy{}
	case "dry_run":
		return dryRunStrategy{}
	default:
		return fullStrategy{}
	}
}

func previewFromDiff(entries []types.DiffEntry, ec *ExecuteContext) *types.DryRunReport {
	report := &types.DryRunReport{TotalChanges: len(entries)}
	for _, e := range entries {
		report.AffectedEntities = append(report.AffectedEntities, e.Path)
		if current, isConflict := ec.Resolver.detect(e); isConflict {
			report.PredictedConflicts = append(report.PredictedConflicts, current)
		}
	}
	report.EstimatedDuration = time.Duration(len(entries)) * 50 * time.Millisecond
	return report
}

// applyEntries walks entries in order, resolving conflicts per ec.ConflictMode
// and applying the outcome through ec.Mutator. ABORT conflicts stop the whole
// run and return an error; everything else accumulates into the result.
func applyEntries(ctx context.Context, entries []types.DiffEntry, ec *ExecuteContext) (*ExecutionResult, error) {
	result := &ExecutionResult{}
	total := len(entries)
	for i, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if conflict, isConflict := ec.Resolver.detect(e); isConflict {
			outcome, err := ec.Resolver.Resolve(conflict, ec.ConflictMode)
			if err != nil {
				return result, err
			}
			result.Conflicts = append(result.Conflicts, conflict)
			if outcome.Skip {
				result.Skipped++
				if ec.ProgressFn != nil {
					ec.ProgressFn(pct(i+1, total), "skipped conflicting "+e.Path)
				}
				continue
			}
			if outcome.MergedValue != nil {
				e.NewValue = outcome.MergedValue
			}
		}
		if err := applyEntry(ctx, e, ec.Mutator); err != nil {
			return result, err
		}
		result.Applied++
		if ec.ProgressFn != nil {
			ec.ProgressFn(pct(i+1, total), "applied "+e.Path)
		}
	}
	return result, nil
}

func pct(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

func applyEntry(ctx context.Context, e types.DiffEntry, mutator GraphMutator) error {
	switch {
	case entityPath(e.Path):
		if e.Operation == types.DiffCreate || e.Operation == types.DiffUpdate {
			entity, ok := e.NewValue.(*types.Entity)
			if !ok {
				return kgerrors.Programmer(kgerrors.CodeValidation, "diff entry %s: NewValue not *Entity", e.Path)
			}
			return mutator.UpsertEntity(ctx, entity)
		}
		if old, ok := e.OldValue.(*types.Entity); ok {
			return mutator.DeleteEntity(ctx, old.ID)
		}
		return nil
	case relationshipPath(e.Path):
		if e.Operation == types.DiffCreate || e.Operation == types.DiffUpdate {
			rel, ok := e.NewValue.(*types.Relationship)
			if !ok {
				return kgerrors.Programmer(kgerrors.CodeValidation, "diff entry %s: NewValue not *Relationship", e.Path)
			}
			return mutator.UpsertRelationship(ctx, rel)
		}
		if old, ok := e.OldValue.(*types.Relationship); ok {
			return mutator.DeleteRelationship(ctx, old.ID)
		}
		return nil
	default:
		return nil
	}
}

func entityPath(p string) bool       { return len(p) > 7 && p[:7] == "entity:" }
func relationshipPath(p string) bool { return len(p) > 13 && p[:13] == "relationship:" }

// fullStrategy applies every diff entry.
type fullStrategy struct{}

func (fullStrategy) Name() string { return "full" }

func (fullStrategy) Validate(ctx context.Context, ec *ExecuteContext) error { return nil }

func (fullStrategy) Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error) {
	return applyEntries(ctx, ec.Diff, ec)
}

func (fullStrategy) GeneratePreview(ctx context.Context, ec *ExecuteContext) (*types.DryRunReport, error) {
	return previewFromDiff(ec.Diff, ec), nil
}

// partialStrategy restricts the diff to caller-selected paths.
type partialStrategy struct{}

func (partialStrategy) Name() string { return "partial" }

func (partialStrategy) Validate(ctx context.Context, ec *ExecuteContext) error {
	if len(ec.Selections) == 0 {
		return kgerrors.Validation("partial rollback requires at least one selection")
	}
	return nil
}

func (partialStrategy) filtered(ec *ExecuteContext) []types.DiffEntry {
	var out []types.DiffEntry
	for _, e := range ec.Diff {
		for _, sel := range ec.Selections {
			if matchesSelection(e.Path, e.Metadata, sel) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (p partialStrategy) Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error) {
	return applyEntries(ctx, p.filtered(ec), ec)
}

func (p partialStrategy) GeneratePreview(ctx context.Context, ec *ExecuteContext) (*types.DryRunReport, error) {
	return previewFromDiff(p.filtered(ec), ec), nil
}

// timeBasedStrategy restricts the diff to entries whose recorded timestamp
// falls within the requested window.
type timeBasedStrategy struct{}

func (timeBasedStrategy) Name() string { return "time_based" }

func (timeBasedStrategy) Validate(ctx context.Context, ec *ExecuteContext) error {
	if ec.Window == nil {
		return kgerrors.Validation("time_based rollback requires a window")
	}
	return nil
}

func (t timeBasedStrategy) filtered(ec *ExecuteContext) []types.DiffEntry {
	var out []types.DiffEntry
	for _, e := range ec.Diff {
		ts, ok := e.Metadata["timestamp"].(time.Time)
		if !ok {
			continue
		}
		if !ec.Window.RollbackToTimestamp.IsZero() && ts.After(ec.Window.RollbackToTimestamp) {
			continue
		}
		if ec.Window.MaxChangeAge > 0 && time.Since(ts) > ec.Window.MaxChangeAge {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t timeBasedStrategy) Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error) {
	return applyEntries(ctx, t.filtered(ec), ec)
}

func (t timeBasedStrategy) GeneratePreview(ctx context.Context, ec *ExecuteContext) (*types.DryRunReport, error) {
	return previewFromDiff(t.filtered(ec), ec), nil
}

// dryRunStrategy never mutates; Execute returns an empty result with zero
// writes, and GeneratePreview reports the whole diff.
type dryRunStrategy struct{}

func (dryRunStrategy) Name() string { return "dry_run" }

func (dryRunStrategy) Validate(ctx context.Context, ec *ExecuteContext) error { return nil }

func (dryRunStrategy) Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error) {
	return &ExecutionResult{}, nil
}

func (dryRunStrategy) GeneratePreview(ctx context.Context, ec *ExecuteContext) (*types.DryRunReport, error) {
	return previewFromDiff(ec.Diff, ec), nil
}
