package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/content"
	"github.com/hazyhaar/pdfdossier/docpipe"
	"github.com/hazyhaar/pdfdossier/extractor"
	"github.com/hazyhaar/pdfdossier/graph"
)

// ExtractionStage pulls text and page images out of the stored PDF.
type ExtractionStage struct {
	Text    extractor.TextExtractor
	Content *content.Store
	Graph   graph.Store
}

func (s *ExtractionStage) Name() catalog.Stage { return catalog.StageExtraction }

func (s *ExtractionStage) Available(ctx context.Context) error { return s.Text.Available(ctx) }

// Process writes the images of this extraction to a staging directory.
// They replace the document's image directory only once the commit has
// landed, so a failed reprocess keeps the previous images.
func (s *ExtractionStage) Process(ctx context.Context, job Job) (*Result, error) {
	doc := job.Doc
	pdf, err := s.Content.ReadFile(content.PDFKey(doc.Filename))
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}
	ext, err := s.Text.Extract(ctx, pdf)
	if err != nil {
		return nil, err
	}

	stem := doc.Stem()
	staging := content.StagingDir(stem)
	if err := s.Content.RemoveAll(staging); err != nil {
		return nil, err
	}
	for _, img := range ext.Images {
		key := staging + "/" + path.Base(content.ImageKey(stem, img.Page, img.Index, img.Ext))
		if err := s.Content.WriteFile(key, img.Data); err != nil {
			_ = s.Content.RemoveAll(staging)
			return nil, err
		}
	}

	text := strings.TrimSpace(ext.Text)
	pageCount := ext.PageCount
	imageCount := len(ext.Images)
	hasImages := imageCount > 0
	title := doc.Title
	if title == "" {
		title = docpipe.Title(text)
	}

	return &Result{
		Produced: imageCount,
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			return tx.PatchDocument(ctx, doc.ID, catalog.DocumentPatch{
				Title:         &title,
				ExtractedText: &text,
				PageCount:     &pageCount,
				HasImages:     &hasImages,
				ImageCount:    &imageCount,
			})
		},
		After: func(ctx context.Context) {
			// A failed swap leaves the staged images for the next extraction
			// to overwrite.
			_ = s.Content.ReplaceDir(content.ImageDir(stem), staging)
			if s.Graph == nil {
				return
			}
			_ = s.Graph.UpsertDocumentNode(ctx, graph.DocumentNode{
				ID: doc.ID, Filename: doc.Filename, Title: title, PageCount: pageCount,
			})
		},
		Rollback: func(context.Context) {
			_ = s.Content.RemoveAll(staging)
		},
	}, nil
}
