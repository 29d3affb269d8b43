// Package vecindex stores fixed-length embeddings in SQLite, grouped in
// named collections, with exact nearest-neighbour queries by Euclidean
// distance. Face embeddings live in the "faces" collection; embeddings of
// curated false positives in "dismissed".
//
// Queries are brute force. The corpus holds at most tens of thousands of
// faces and the dismissed set stays small, so an exact scan keeps distances
// comparable to the dismissal threshold and the clustering radius.
package vecindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hazyhaar/pdfdossier/dbopen"
)

// Collection names used by the pipeline.
const (
	CollectionFaces     = "faces"
	CollectionDismissed = "dismissed"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("vecindex: embedding not found")

// Schema is the embeddings table.
const Schema = `
CREATE TABLE IF NOT EXISTS embeddings (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    dim        INTEGER NOT NULL,
    vector     BLOB NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    PRIMARY KEY (collection, id)
);
`

// Index is a set of collections backed by one database.
type Index struct {
	db *sql.DB
}

// New wraps db. The schema must already be applied.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Open opens (creating if needed) the vector database at path.
func Open(path string) (*Index, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("vecindex: %w", err)
	}
	return New(db), nil
}

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Ping checks the index is reachable.
func (ix *Index) Ping(ctx context.Context) error {
	if err := ix.db.PingContext(ctx); err != nil {
		return fmt.Errorf("vecindex: ping: %w", err)
	}
	return nil
}

// Collection returns a handle on a named collection.
func (ix *Index) Collection(name string) *Collection {
	return &Collection{db: ix.db, name: name}
}

// Collection is a named set of embeddings.
type Collection struct {
	db   *sql.DB
	name string
}

// Neighbor is one nearest-neighbour result.
type Neighbor struct {
	ID       string
	Distance float64
	Metadata map[string]any
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Add stores an embedding. Embeddings are immutable: adding an id that
// already exists keeps the stored vector.
func (c *Collection) Add(ctx context.Context, id string, vec []float32, metadata map[string]any) error {
	if len(vec) == 0 {
		return fmt.Errorf("vecindex: add %s/%s: empty vector", c.name, id)
	}
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("vecindex: marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := dbopen.Exec(ctx, c.db,
		`INSERT INTO embeddings (collection, id, dim, vector, metadata) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO NOTHING`,
		c.name, id, len(vec), SerializeVector(vec), meta)
	if err != nil {
		return fmt.Errorf("vecindex: add %s/%s: %w", c.name, id, err)
	}
	return nil
}

// Get returns the vector stored under id.
func (c *Collection) Get(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE collection = ? AND id = ?`, c.name, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("vecindex: get %s/%s: %w", c.name, id, err)
	}
	return DeserializeVector(blob), nil
}

// Has reports whether id exists in the collection.
func (c *Collection) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE collection = ? AND id = ?`, c.name, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("vecindex: has %s/%s: %w", c.name, id, err)
	}
	return n > 0, nil
}

// Count returns the number of embeddings in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE collection = ?`, c.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("vecindex: count %s: %w", c.name, err)
	}
	return n, nil
}

// QueryNearest returns up to k embeddings closest to vec, nearest first.
// Embeddings of a different dimension are ignored.
func (c *Collection) QueryNearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, vector, metadata FROM embeddings WHERE collection = ? AND dim = ?`, c.name, len(vec))
	if err != nil {
		return nil, fmt.Errorf("vecindex: query %s: %w", c.name, err)
	}
	defer rows.Close()

	var all []Neighbor
	for rows.Next() {
		var (
			id   string
			blob []byte
			meta string
		)
		if err := rows.Scan(&id, &blob, &meta); err != nil {
			return nil, fmt.Errorf("vecindex: scan: %w", err)
		}
		n := Neighbor{ID: id, Distance: Euclidean(vec, DeserializeVector(blob))}
		_ = json.Unmarshal([]byte(meta), &n.Metadata)
		all = append(all, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Delete removes ids from the collection. Unknown ids are ignored.
func (c *Collection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, c.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM embeddings WHERE collection = ? AND id = ?`)
		if err != nil {
			return fmt.Errorf("vecindex: prepare delete: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, c.name, id); err != nil {
				return fmt.Errorf("vecindex: delete %s/%s: %w", c.name, id, err)
			}
		}
		return nil
	})
}
