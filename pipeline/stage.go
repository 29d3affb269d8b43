// Package pipeline drives documents through the dossier stages:
//
//	download -> extraction -> {entity, face, image_analysis, index}
//
// A Runner executes one stage over the documents selected for it, claiming
// each (document, stage) pair, calling the stage logic and committing the
// result with the status change in one catalog transaction. The
// Orchestrator sequences stages by dependency and records each run.
package pipeline

import (
	"context"

	"github.com/hazyhaar/pdfdossier/catalog"
)

// Job is one document handed to a stage.
type Job struct {
	Doc *catalog.Document
	// Reprocess is set when the run re-executes completed documents.
	Reprocess bool
}

// Stage is the per-document logic of one pipeline step. Process must not
// write to the catalog: it returns a Result whose Persist runs inside the
// commit transaction.
type Stage interface {
	Name() catalog.Stage
	// Available returns an error wrapping extractor.ErrUnavailable when the
	// capability the stage needs is not routed.
	Available(ctx context.Context) error
	Process(ctx context.Context, job Job) (*Result, error)
}

// Result is what a stage produced for one document.
type Result struct {
	// Produced counts derived facts (entities, faces, images...).
	Produced int
	// Persist writes the facts in the commit transaction. May be nil.
	Persist func(ctx context.Context, tx *catalog.Tx) error
	// After runs once the commit succeeded: graph sync, removal of
	// superseded side-store data. It cannot fail the document.
	After func(ctx context.Context)
	// Rollback undoes side-store writes made by Process when the commit
	// does not happen.
	Rollback func(ctx context.Context)
}

func (r *Result) persist(ctx context.Context, tx *catalog.Tx) error {
	if r == nil || r.Persist == nil {
		return nil
	}
	return r.Persist(ctx, tx)
}

func (r *Result) after(ctx context.Context) {
	if r != nil && r.After != nil {
		r.After(ctx)
	}
}

func (r *Result) rollback(ctx context.Context) {
	if r != nil && r.Rollback != nil {
		r.Rollback(ctx)
	}
}

func (r *Result) produced() int {
	if r == nil {
		return 0
	}
	return r.Produced
}
