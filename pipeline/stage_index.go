package pipeline

import (
	"context"

	"github.com/hazyhaar/pdfdossier/catalog"
)

// IndexStage rebuilds a document's full-text entry.
type IndexStage struct{}

func (IndexStage) Name() catalog.Stage { return catalog.StageIndex }

func (IndexStage) Available(context.Context) error { return nil }

func (IndexStage) Process(_ context.Context, job Job) (*Result, error) {
	doc := job.Doc
	return &Result{
		Produced: 1,
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			return tx.IndexDocument(ctx, doc)
		},
	}, nil
}
