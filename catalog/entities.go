package catalog

import (
	"context"
	"fmt"
)

// UpsertEntity returns the id of the (normalized, type) entity, creating it
// when absent. The display name of an existing entity is kept.
func (t *Tx) UpsertEntity(ctx context.Context, name, normalized, typ string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO entities (id, name, normalized_name, entity_type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(normalized_name, entity_type) DO UPDATE SET normalized_name = excluded.normalized_name
		 RETURNING id`,
		t.s.newID(), name, normalized, typ).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("catalog: upsert entity %q/%s: %w", normalized, typ, err)
	}
	return id, nil
}

// InsertMention appends one mention fact.
func (t *Tx) InsertMention(ctx context.Context, m Mention) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO entity_mentions (entity_id, document_id, mention_text, position, context)
		 VALUES (?, ?, ?, ?, ?)`,
		m.EntityID, m.DocumentID, m.Text, m.Position, m.Context)
	if err != nil {
		return fmt.Errorf("catalog: insert mention: %w", err)
	}
	return nil
}

// DeleteDocumentMentions removes the mentions of a document before a
// reprocess and returns the entity ids they referenced, so their counters
// can be refreshed.
func (t *Tx) DeleteDocumentMentions(ctx context.Context, documentID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM entity_mentions WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list mentioned entities: %w", err)
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

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entity_mentions WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("catalog: delete mentions: %w", err)
	}
	return ids, nil
}

// RefreshEntityCounts recomputes mention_count and document_count for the
// given entities from the mention table.
func (t *Tx) RefreshEntityCounts(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET
		     mention_count  = (SELECT COUNT(*) FROM entity_mentions m WHERE m.entity_id = entities.id),
		     document_count = (SELECT COUNT(DISTINCT m.document_id) FROM entity_mentions m WHERE m.entity_id = entities.id)
		 WHERE id IN (`+placeholders(len(entityIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("catalog: refresh entity counts: %w", err)
	}
	return nil
}

// GetEntity loads one entity.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, entity_type, mention_count, document_count FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &e.MentionCount, &e.DocumentCount)
	if err != nil {
		return nil, fmt.Errorf("catalog: get entity %s: %w", id, err)
	}
	return &e, nil
}

// DateMentions returns, per document whose entity stage is completed, the
// distinct DATE mention texts. Documents without any DATE mention are
// present with an empty slice so their dates can be cleared.
func (s *Store) DateMentions(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)

	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM documents WHERE entity_status = 'completed'`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list entity-complete documents: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		out[id] = nil
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.DB.QueryContext(ctx,
		`SELECT DISTINCT m.document_id, m.mention_text
		 FROM entity_mentions m
		 JOIN entities e ON e.id = m.entity_id
		 JOIN documents d ON d.id = m.document_id
		 WHERE e.entity_type = 'DATE' AND d.entity_status = 'completed'
		 ORDER BY m.document_id, m.mention_text`)
	if err != nil {
		return nil, fmt.Errorf("catalog: date mentions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var docID, text string
		if err := rows.Scan(&docID, &text); err != nil {
			return nil, err
		}
		out[docID] = append(out[docID], text)
	}
	return out, rows.Err()
}

// EntityCounts returns the number of entities per type.
func (s *Store) EntityCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("catalog: entity counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}
