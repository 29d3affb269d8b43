package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/pdfdossier/dbopen"
)

// InsertFace appends a detected face. An empty ID is filled in.
func (t *Tx) InsertFace(ctx context.Context, f *Face) error {
	if f.ID == "" {
		f.ID = t.s.newID()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO faces (id, document_id, image_path, page_number,
		     bbox_top, bbox_right, bbox_bottom, bbox_left, crop_path, face_size, embedding_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DocumentID, f.ImagePath, f.PageNumber,
		f.BBox.Top, f.BBox.Right, f.BBox.Bottom, f.BBox.Left,
		f.CropPath, f.FaceSize, nullString(f.EmbeddingID))
	if err != nil {
		return fmt.Errorf("catalog: insert face: %w", err)
	}
	return nil
}

// DeleteDocumentFaces removes a document's faces before a reprocess and
// returns the embedding ids they referenced.
func (t *Tx) DeleteDocumentFaces(ctx context.Context, documentID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT embedding_id FROM faces WHERE document_id = ? AND embedding_id IS NOT NULL`, documentID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list document faces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM faces WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("catalog: delete document faces: %w", err)
	}
	return ids, nil
}

const faceColumns = `id, document_id, image_path, page_number, bbox_top, bbox_right, bbox_bottom, bbox_left,
	crop_path, face_size, COALESCE(embedding_id, ''), COALESCE(cluster_id, '')`

func scanFaces(rows *sql.Rows) ([]Face, error) {
	defer rows.Close()
	var out []Face
	for rows.Next() {
		var f Face
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.ImagePath, &f.PageNumber,
			&f.BBox.Top, &f.BBox.Right, &f.BBox.Bottom, &f.BBox.Left,
			&f.CropPath, &f.FaceSize, &f.EmbeddingID, &f.ClusterID); err != nil {
			return nil, fmt.Errorf("catalog: scan face: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// EmbeddedFaces returns every face with a non-null embedding id, ordered by
// face id.
func (s *Store) EmbeddedFaces(ctx context.Context) ([]Face, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE embedding_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: embedded faces: %w", err)
	}
	return scanFaces(rows)
}

// DocumentFaces returns the faces of one document.
func (s *Store) DocumentFaces(ctx context.Context, documentID string) ([]Face, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("catalog: document faces: %w", err)
	}
	return scanFaces(rows)
}

// ClusterFaces returns the member faces of a cluster.
func (s *Store) ClusterFaces(ctx context.Context, clusterID string) ([]Face, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE cluster_id = ? ORDER BY id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("catalog: cluster faces: %w", err)
	}
	return scanFaces(rows)
}

// ReplaceClusters discards every existing cluster and assignment and stores
// the given ones, all in one transaction. Faces not listed in any cluster end
// with cluster_id NULL. Cluster ids are generated here when empty.
func (s *Store) ReplaceClusters(ctx context.Context, clusters []Cluster) ([]Cluster, error) {
	out := make([]Cluster, len(clusters))
	copy(out, clusters)

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE faces SET cluster_id = NULL WHERE cluster_id IS NOT NULL`); err != nil {
			return fmt.Errorf("catalog: clear assignments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM face_clusters`); err != nil {
			return fmt.Errorf("catalog: delete clusters: %w", err)
		}

		insert, err := tx.PrepareContext(ctx,
			`INSERT INTO face_clusters (id, representative_face_id, face_count, document_count, label)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer insert.Close()
		assign, err := tx.PrepareContext(ctx, `UPDATE faces SET cluster_id = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer assign.Close()

		for i := range out {
			c := &out[i]
			if c.ID == "" {
				c.ID = s.newID()
			}
			if _, err := insert.ExecContext(ctx, c.ID, c.RepresentativeFaceID, c.FaceCount, c.DocumentCount, nullString(c.Label)); err != nil {
				return fmt.Errorf("catalog: insert cluster: %w", err)
			}
			for _, fid := range c.FaceIDs {
				if _, err := assign.ExecContext(ctx, c.ID, fid); err != nil {
					return fmt.Errorf("catalog: assign face %s: %w", fid, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetFaceCluster assigns (or with "" clears) the cluster of one face.
func (s *Store) SetFaceCluster(ctx context.Context, faceID, clusterID string) error {
	_, err := dbopen.Exec(ctx, s.DB, `UPDATE faces SET cluster_id = ? WHERE id = ?`, nullString(clusterID), faceID)
	if err != nil {
		return fmt.Errorf("catalog: set face cluster: %w", err)
	}
	return nil
}

// GetCluster loads a cluster and its member face ids.
func (s *Store) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	var label sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, representative_face_id, face_count, document_count, label FROM face_clusters WHERE id = ?`, id).
		Scan(&c.ID, &c.RepresentativeFaceID, &c.FaceCount, &c.DocumentCount, &label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get cluster: %w", err)
	}
	c.Label = label.String

	faces, err := s.ClusterFaces(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, f := range faces {
		c.FaceIDs = append(c.FaceIDs, f.ID)
	}
	return &c, nil
}

// ListClusters returns clusters, largest first.
func (s *Store) ListClusters(ctx context.Context, limit int) ([]Cluster, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, representative_face_id, face_count, document_count, COALESCE(label, '')
		 FROM face_clusters ORDER BY face_count DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list clusters: %w", err)
	}
	defer rows.Close()
	var out []Cluster
	for rows.Next() {
		var c Cluster
		if err := rows.Scan(&c.ID, &c.RepresentativeFaceID, &c.FaceCount, &c.DocumentCount, &c.Label); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LabelCluster sets an operator label on a cluster.
func (s *Store) LabelCluster(ctx context.Context, id, label string) error {
	res, err := dbopen.Exec(ctx, s.DB, `UPDATE face_clusters SET label = ? WHERE id = ?`, nullString(label), id)
	if err != nil {
		return fmt.Errorf("catalog: label cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	return nil
}

// DeleteCluster removes a cluster together with its member faces. Used by
// the dismissal curation action once the members' embeddings have been
// copied to the dismissed set. It returns the removed faces' embedding ids.
func (s *Store) DeleteCluster(ctx context.Context, id string) ([]string, error) {
	var embeddingIDs []string
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		embeddingIDs = nil
		rows, err := tx.QueryContext(ctx,
			`SELECT embedding_id FROM faces WHERE cluster_id = ? AND embedding_id IS NOT NULL`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var e string
			if err := rows.Scan(&e); err != nil {
				rows.Close()
				return err
			}
			embeddingIDs = append(embeddingIDs, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM faces WHERE cluster_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM face_clusters WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: cluster %s", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: delete cluster: %w", err)
	}
	return embeddingIDs, nil
}

// FaceTotals reports the number of faces, clustered faces and clusters.
type FaceTotals struct {
	Faces     int `json:"faces"`
	Clustered int `json:"clustered"`
	Clusters  int `json:"clusters"`
}

// FaceTotals counts faces and clusters.
func (s *Store) FaceTotals(ctx context.Context) (FaceTotals, error) {
	var ft FaceTotals
	err := s.DB.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM faces),
		        (SELECT COUNT(*) FROM faces WHERE cluster_id IS NOT NULL),
		        (SELECT COUNT(*) FROM face_clusters)`).Scan(&ft.Faces, &ft.Clustered, &ft.Clusters)
	if err != nil {
		return ft, fmt.Errorf("catalog: face totals: %w", err)
	}
	return ft, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
