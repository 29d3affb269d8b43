// Package catalog is the relational source of truth of the dossier: one
// record per document with a status per pipeline stage, plus the entities,
// faces, identity clusters, image analyses and full-text index derived from
// them. Every other store (vectors, graph) defers to it on disagreement.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pdfdossier/dbopen"
	"github.com/hazyhaar/pdfdossier/idgen"
)

const dateLayout = "2006-01-02"

// Store wraps the catalog database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the id generator (UUIDv7 by default).
func WithIDGenerator(g idgen.Generator) Option { return func(s *Store) { s.newID = g } }

// WithClock overrides the clock used for claims and timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New wraps db. The schema must already be applied.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, newID: idgen.Default, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return New(db, opts...), nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// Ping checks the catalog is reachable. An unreachable catalog is fatal
// to a run.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("catalog: ping: %w", err)
	}
	return nil
}

// UpsertDiscovered records a document found at the source. Existing rows
// are left untouched; created reports whether a new row was inserted.
func (s *Store) UpsertDiscovered(ctx context.Context, filename, title, sourceURL string) (id string, created bool, err error) {
	id = s.newID()
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO documents (id, filename, title, source_url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(filename) DO NOTHING`,
		id, filename, title, sourceURL)
	if err != nil {
		return "", false, fmt.Errorf("catalog: upsert discovered %s: %w", filename, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}
	doc, err := s.GetDocumentByFilename(ctx, filename)
	if err != nil {
		return "", false, err
	}
	return doc.ID, false, nil
}

const documentColumns = `id, filename, title, source_url, file_size, file_hash, page_count,
	has_images, image_count, extracted_text, earliest_date, latest_date, needs_review,
	download_status, extraction_status, entity_status, face_status, image_analysis_status, index_status,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d                      Document
		text, earliest, latest sql.NullString
		hasImages, needsReview int
		st                     [6]string
		createdAt, updatedAt   int64
	)
	err := row.Scan(&d.ID, &d.Filename, &d.Title, &d.SourceURL, &d.FileSize, &d.FileHash, &d.PageCount,
		&hasImages, &d.ImageCount, &text, &earliest, &latest, &needsReview,
		&st[0], &st[1], &st[2], &st[3], &st[4], &st[5],
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.HasImages = hasImages != 0
	d.NeedsReview = needsReview != 0
	if text.Valid {
		d.ExtractedText = &text.String
	}
	d.EarliestDate = parseDate(earliest)
	d.LatestDate = parseDate(latest)
	d.Status = make(map[Stage]Status, len(Stages))
	for i, stage := range Stages {
		d.Status[stage] = Status(st[i])
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

func parseDate(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get document: %w", err)
	}
	return d, nil
}

// GetDocumentByFilename loads one document by its unique filename.
func (s *Store) GetDocumentByFilename(ctx context.Context, filename string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE filename = ?`, filename)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get document by filename: %w", err)
	}
	return d, nil
}

// ListDocuments returns documents ordered by filename.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY filename LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalog: list documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentDates stores the reconciled date range. Nil clears a bound.
func (s *Store) SetDocumentDates(ctx context.Context, id string, earliest, latest *time.Time) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE documents SET earliest_date = ?, latest_date = ?, updated_at = ? WHERE id = ?`,
		formatDate(earliest), formatDate(latest), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("catalog: set dates %s: %w", id, err)
	}
	return nil
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func patchDocument(ctx context.Context, ex execer, id string, p DocumentPatch, now time.Time) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.SourceURL != nil {
		add("source_url", *p.SourceURL)
	}
	if p.FileSize != nil {
		add("file_size", *p.FileSize)
	}
	if p.FileHash != nil {
		add("file_hash", *p.FileHash)
	}
	if p.PageCount != nil {
		add("page_count", *p.PageCount)
	}
	if p.HasImages != nil {
		add("has_images", boolInt(*p.HasImages))
	}
	if p.ImageCount != nil {
		add("image_count", *p.ImageCount)
	}
	if p.ExtractedText != nil {
		add("extracted_text", *p.ExtractedText)
	}
	if p.NeedsReview != nil {
		add("needs_review", boolInt(*p.NeedsReview))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", now.Unix())
	args = append(args, id)

	res, err := ex.ExecContext(ctx,
		`UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("catalog: patch document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

// PatchDocument applies p outside of a stage commit.
func (s *Store) PatchDocument(ctx context.Context, id string, p DocumentPatch) error {
	return patchDocument(ctx, s.DB, id, p, s.now())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
