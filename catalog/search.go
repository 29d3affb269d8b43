package catalog

import (
	"context"
	"fmt"
	"strings"
)

// IndexDocument replaces the full-text entry of a document.
func (t *Tx) IndexDocument(ctx context.Context, d *Document) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE document_id = ?`, d.ID); err != nil {
		return fmt.Errorf("catalog: unindex %s: %w", d.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO documents_fts (document_id, filename, title, text) VALUES (?, ?, ?, ?)`,
		d.ID, d.Filename, d.Title, d.Text()); err != nil {
		return fmt.Errorf("catalog: index %s: %w", d.ID, err)
	}
	return nil
}

// SearchText runs a full-text query over indexed documents. The query is
// treated as plain words, each quoted, so FTS5 operators in user input are
// not interpreted.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT document_id, filename, title, snippet(documents_fts, 3, '[', ']', '...', 12), rank
		 FROM documents_fts WHERE documents_fts MATCH ?
		 ORDER BY rank LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.DocumentID, &h.Filename, &h.Title, &h.Snippet, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func ftsQuery(q string) string {
	words := strings.Fields(q)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " ")
}
