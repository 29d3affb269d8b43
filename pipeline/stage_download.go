package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/download"
	"github.com/hazyhaar/pdfdossier/extractor"
)

// DownloadStage brings a document's PDF into the content store.
type DownloadStage struct {
	Dedup   *download.Deduper
	Fetcher download.Fetcher
	Policy  download.ChangePolicy
	Logger  *slog.Logger
}

func (s *DownloadStage) Name() catalog.Stage { return catalog.StageDownload }

func (s *DownloadStage) Available(context.Context) error {
	if s.Fetcher == nil {
		return fmt.Errorf("%w: no fetcher configured", extractor.ErrUnavailable)
	}
	return nil
}

// Process skips the network when a valid copy is already stored, unless
// the run reprocesses. A fetched body whose hash differs from the recorded
// one goes through the change policy.
func (s *DownloadStage) Process(ctx context.Context, job Job) (*Result, error) {
	doc := job.Doc
	if !job.Reprocess {
		ok, err := s.Dedup.HasValidCopy(doc.Filename)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{}, nil
		}
	}
	if doc.SourceURL == "" {
		return nil, fmt.Errorf("%w: %s has no source url", extractor.ErrContent, doc.Filename)
	}

	data, err := s.Fetcher.Fetch(ctx, doc.SourceURL)
	if err != nil {
		return nil, err
	}
	hash, size, err := s.Dedup.Store(doc.Filename, data)
	if err != nil {
		return nil, err
	}

	changed := download.Changed(doc.FileHash, hash)
	return &Result{
		Produced: 1,
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			patch := catalog.DocumentPatch{FileHash: &hash, FileSize: &size}
			if changed {
				s.logger().WarnContext(ctx, "document content changed",
					"doc_id", doc.ID, "filename", doc.Filename, "policy", string(s.policy()))
				switch s.policy() {
				case download.PolicyFlag:
					review := true
					patch.NeedsReview = &review
				default:
					if err := tx.ResetStages(ctx, doc.ID, catalog.StageDownload.Downstream()...); err != nil {
						return err
					}
				}
			}
			return tx.PatchDocument(ctx, doc.ID, patch)
		},
	}, nil
}

func (s *DownloadStage) policy() download.ChangePolicy {
	if s.Policy == "" {
		return download.PolicyReprocess
	}
	return s.Policy
}

func (s *DownloadStage) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
