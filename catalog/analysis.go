package catalog

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertImageAnalysis stores the analysis of one image, replacing any
// previous verdict for the same path.
func (t *Tx) UpsertImageAnalysis(ctx context.Context, a *ImageAnalysis) error {
	if a.ID == "" {
		a.ID = t.s.newID()
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("catalog: marshal tags: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO image_analyses (id, document_id, image_path, page_number, description, tags,
		     category, interest_score, flagged, flag_reason, raw_response)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(image_path) DO UPDATE SET
		     description    = excluded.description,
		     tags           = excluded.tags,
		     category       = excluded.category,
		     interest_score = excluded.interest_score,
		     flagged        = excluded.flagged,
		     flag_reason    = excluded.flag_reason,
		     raw_response   = excluded.raw_response`,
		a.ID, a.DocumentID, a.ImagePath, a.PageNumber, a.Description, string(tagsJSON),
		a.Category, a.InterestScore, boolInt(a.Flagged), a.FlagReason, a.RawResponse)
	if err != nil {
		return fmt.Errorf("catalog: upsert image analysis %s: %w", a.ImagePath, err)
	}
	return nil
}

// AnalyzedImages returns the set of image paths of a document that already
// have an analysis.
func (s *Store) AnalyzedImages(ctx context.Context, documentID string) (map[string]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT image_path FROM image_analyses WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, fmt.Errorf("catalog: analyzed images: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// FlaggedImages lists flagged analyses, most interesting first.
func (s *Store) FlaggedImages(ctx context.Context, limit int) ([]ImageAnalysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, document_id, image_path, page_number, description, tags, category,
		        interest_score, flagged, flag_reason, raw_response
		 FROM image_analyses WHERE flagged = 1
		 ORDER BY interest_score DESC, image_path LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: flagged images: %w", err)
	}
	defer rows.Close()

	var out []ImageAnalysis
	for rows.Next() {
		var a ImageAnalysis
		var tags string
		var flagged int
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.ImagePath, &a.PageNumber, &a.Description, &tags,
			&a.Category, &a.InterestScore, &flagged, &a.FlagReason, &a.RawResponse); err != nil {
			return nil, err
		}
		a.Flagged = flagged != 0
		_ = json.Unmarshal([]byte(tags), &a.Tags)
		out = append(out, a)
	}
	return out, rows.Err()
}
