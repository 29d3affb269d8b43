package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/content"
	"github.com/hazyhaar/pdfdossier/extractor"
	"github.com/hazyhaar/pdfdossier/faces"
	"github.com/hazyhaar/pdfdossier/graph"
	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/vecindex"
)

// FaceStage detects faces in the document's page images.
type FaceStage struct {
	Detector extractor.FaceDetector
	Content  *content.Store
	Vectors  *vecindex.Collection
	Filter   *faces.DismissalFilter
	Graph    graph.Store
	// MinFaceSize drops faces smaller than this many pixels. Default: 1000.
	MinFaceSize int
	// NewEmbeddingID and NewFaceID default to idgen.FaceEmbeddingID and
	// idgen.New.
	NewEmbeddingID idgen.Generator
	NewFaceID      idgen.Generator
	Logger         *slog.Logger
}

func (s *FaceStage) Name() catalog.Stage { return catalog.StageFace }

func (s *FaceStage) Available(ctx context.Context) error { return s.Detector.Available(ctx) }

// Process writes each kept detection's vector and crop before the commit;
// Rollback deletes them if the commit does not happen. The faces and
// vectors of a previous run are replaced at commit; their vectors, crops
// and graph nodes are removed afterwards.
func (s *FaceStage) Process(ctx context.Context, job Job) (*Result, error) {
	doc := job.Doc
	stem := doc.Stem()
	log := s.logger().With("doc_id", doc.ID, "filename", doc.Filename)

	images, err := s.Content.ListImages(stem)
	if err != nil {
		return nil, err
	}

	var (
		found    []catalog.Face
		vecAdded []string
		crops    []string
	)
	undo := func(ctx context.Context) {
		if err := s.Vectors.Delete(ctx, vecAdded...); err != nil {
			log.WarnContext(ctx, "face vector compensation failed", "error", err, "vectors", len(vecAdded))
		}
		for _, key := range crops {
			_ = s.Content.Remove(key)
		}
	}

	dropped := 0
	for _, key := range images {
		data, err := s.Content.ReadFile(key)
		if err != nil {
			undo(ctx)
			return nil, err
		}
		dets, err := s.Detector.Detect(ctx, data)
		if err != nil {
			undo(ctx)
			return nil, fmt.Errorf("face: %s: %w", key, err)
		}
		for _, d := range dets {
			size := d.SizePx
			if size <= 0 {
				size = (d.BBox.Right - d.BBox.Left) * (d.BBox.Bottom - d.BBox.Top)
			}
			if size < s.minFaceSize() || len(d.Embedding) == 0 {
				continue
			}
			if s.Filter != nil {
				drop, dist, err := s.Filter.Check(ctx, d.Embedding)
				if err != nil {
					undo(ctx)
					return nil, err
				}
				if drop {
					log.DebugContext(ctx, "detection matches dismissed face", "image", key, "distance", dist)
					dropped++
					continue
				}
			}

			face := catalog.Face{
				ID:          s.newFaceID(),
				DocumentID:  doc.ID,
				ImagePath:   key,
				PageNumber:  content.PageFromImageKey(key),
				BBox:        catalog.BBox{Top: d.BBox.Top, Right: d.BBox.Right, Bottom: d.BBox.Bottom, Left: d.BBox.Left},
				FaceSize:    size,
				EmbeddingID: s.newEmbeddingID(),
			}
			meta := map[string]any{"face_id": face.ID, "document_id": doc.ID, "filename": doc.Filename}
			if err := s.Vectors.Add(ctx, face.EmbeddingID, d.Embedding, meta); err != nil {
				undo(ctx)
				return nil, err
			}
			vecAdded = append(vecAdded, face.EmbeddingID)
			if len(d.Crop) > 0 {
				cropKey := content.FaceCropKey(stem, face.EmbeddingID)
				if err := s.Content.WriteFile(cropKey, d.Crop); err != nil {
					undo(ctx)
					return nil, err
				}
				crops = append(crops, cropKey)
				face.CropPath = cropKey
			}
			found = append(found, face)
		}
	}
	if dropped > 0 {
		log.InfoContext(ctx, "detections dropped by dismissal filter", "dropped", dropped)
	}

	var previous []string
	return &Result{
		Produced: len(found),
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			old, err := tx.DeleteDocumentFaces(ctx, doc.ID)
			if err != nil {
				return err
			}
			previous = old
			for i := range found {
				if err := tx.InsertFace(ctx, &found[i]); err != nil {
					return err
				}
			}
			return nil
		},
		After: func(ctx context.Context) {
			if len(previous) > 0 {
				if err := s.Vectors.Delete(ctx, previous...); err != nil {
					log.WarnContext(ctx, "superseded face vectors not removed", "error", err, "vectors", len(previous))
				}
				for _, emb := range previous {
					_ = s.Content.Remove(content.FaceCropKey(stem, emb))
				}
			}
			if s.Graph == nil {
				return
			}
			_ = s.Graph.DeleteDocumentFaces(ctx, doc.ID)
			for _, f := range found {
				_ = s.Graph.UpsertFaceNode(ctx, graph.FaceNode{
					ID: f.ID, DocumentID: f.DocumentID, EmbeddingID: f.EmbeddingID,
					PageNumber: f.PageNumber, FaceSize: f.FaceSize,
				})
			}
		},
		Rollback: undo,
	}, nil
}

func (s *FaceStage) minFaceSize() int {
	if s.MinFaceSize <= 0 {
		return 1000
	}
	return s.MinFaceSize
}

func (s *FaceStage) newEmbeddingID() string {
	if s.NewEmbeddingID == nil {
		return idgen.FaceEmbeddingID()
	}
	return s.NewEmbeddingID()
}

func (s *FaceStage) newFaceID() string {
	if s.NewFaceID == nil {
		return idgen.New()
	}
	return s.NewFaceID()
}

func (s *FaceStage) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
