package main

import (
	"context"

	"github.com/cuemby/repograph/pkg/types"
)

// passthroughExtractor is the default FragmentExtractor: language-specific
// AST extraction lives outside this subsystem. A real
// deployment replaces this with a collaborator that parses event.Path and
// returns the fragments it implies; this stand-in returns none, so a task
// routed through handleParse completes without producing graph writes.
type passthroughExtractor struct{}

func (passthroughExtractor) Extract(ctx context.Context, event *types.ChangeEvent) ([]*types.ChangeFragment, error) {
	return nil, nil
}

// noopEnricher completes enrichment tasks without doing anything, standing
// in for the embeddings/semantic-clustering collaborators the pipeline
// schedules but does not itself implement.
type noopEnricher struct{}

func (noopEnricher) Enrich(ctx context.Context, task *types.Task) error {
	return nil
}
