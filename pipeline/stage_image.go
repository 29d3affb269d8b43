package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/content"
	"github.com/hazyhaar/pdfdossier/extractor"
)

// ImageAnalysisStage captions and classifies a document's page images.
type ImageAnalysisStage struct {
	Captioner extractor.ImageCaptioner
	Content   *content.Store
	Catalog   *catalog.Store
	// MinBytes skips images smaller than this. Default: 5000.
	MinBytes int64
	Logger   *slog.Logger
}

func (s *ImageAnalysisStage) Name() catalog.Stage { return catalog.StageImageAnalysis }

func (s *ImageAnalysisStage) Available(ctx context.Context) error { return s.Captioner.Available(ctx) }

// Process analyses images without a stored verdict, or all of them when
// reprocessing. An image the captioner rejects as content is logged and
// left without a verdict.
func (s *ImageAnalysisStage) Process(ctx context.Context, job Job) (*Result, error) {
	doc := job.Doc
	log := s.logger().With("doc_id", doc.ID, "filename", doc.Filename)

	images, err := s.Content.ListImages(doc.Stem())
	if err != nil {
		return nil, err
	}
	done := map[string]bool{}
	if !job.Reprocess {
		if done, err = s.Catalog.AnalyzedImages(ctx, doc.ID); err != nil {
			return nil, err
		}
	}

	var verdicts []catalog.ImageAnalysis
	for _, key := range images {
		if done[key] {
			continue
		}
		size, err := s.Content.Size(key)
		if err != nil {
			return nil, err
		}
		if size < s.minBytes() {
			continue
		}
		data, err := s.Content.ReadFile(key)
		if err != nil {
			return nil, err
		}
		a, err := s.Captioner.Analyze(ctx, data)
		if errors.Is(err, extractor.ErrContent) {
			log.WarnContext(ctx, "image not analysable", "image", key, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		a.Normalize()
		verdicts = append(verdicts, catalog.ImageAnalysis{
			DocumentID:    doc.ID,
			ImagePath:     key,
			PageNumber:    content.PageFromImageKey(key),
			Description:   a.Description,
			Tags:          a.Tags,
			Category:      a.Category,
			InterestScore: a.InterestScore,
			Flagged:       a.Flagged,
			FlagReason:    a.FlagReason,
			RawResponse:   a.Raw,
		})
	}

	return &Result{
		Produced: len(verdicts),
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			for i := range verdicts {
				if err := tx.UpsertImageAnalysis(ctx, &verdicts[i]); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func (s *ImageAnalysisStage) minBytes() int64 {
	if s.MinBytes <= 0 {
		return 5000
	}
	return s.MinBytes
}

func (s *ImageAnalysisStage) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
