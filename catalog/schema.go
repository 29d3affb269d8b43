package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the catalog DDL. Every statement is idempotent so it can be
// applied on each open (dbopen.WithSchema or ApplySchema).
//
// Each pipeline stage owns a (<stage>_status, <stage>_claimed_at) column
// pair on documents. claimed_at is a unix timestamp set when a worker moves
// the status to 'processing' and cleared on completion.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id                        TEXT PRIMARY KEY,
    filename                  TEXT NOT NULL UNIQUE,
    title                     TEXT NOT NULL DEFAULT '',
    source_url                TEXT NOT NULL DEFAULT '',
    file_size                 INTEGER NOT NULL DEFAULT 0,
    file_hash                 TEXT NOT NULL DEFAULT '',
    page_count                INTEGER NOT NULL DEFAULT 0,
    has_images                INTEGER NOT NULL DEFAULT 0,
    image_count               INTEGER NOT NULL DEFAULT 0,
    extracted_text            TEXT,
    earliest_date             TEXT,
    latest_date               TEXT,
    needs_review              INTEGER NOT NULL DEFAULT 0,
    download_status           TEXT NOT NULL DEFAULT 'pending',
    download_claimed_at       INTEGER,
    extraction_status         TEXT NOT NULL DEFAULT 'pending',
    extraction_claimed_at     INTEGER,
    entity_status             TEXT NOT NULL DEFAULT 'pending',
    entity_claimed_at         INTEGER,
    face_status               TEXT NOT NULL DEFAULT 'pending',
    face_claimed_at           INTEGER,
    image_analysis_status     TEXT NOT NULL DEFAULT 'pending',
    image_analysis_claimed_at INTEGER,
    index_status              TEXT NOT NULL DEFAULT 'pending',
    index_claimed_at          INTEGER,
    created_at                INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    updated_at                INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_download ON documents(download_status);
CREATE INDEX IF NOT EXISTS idx_documents_extraction ON documents(extraction_status);
CREATE INDEX IF NOT EXISTS idx_documents_entity ON documents(entity_status);
CREATE INDEX IF NOT EXISTS idx_documents_face ON documents(face_status);
CREATE INDEX IF NOT EXISTS idx_documents_image_analysis ON documents(image_analysis_status);
CREATE INDEX IF NOT EXISTS idx_documents_index ON documents(index_status);

CREATE TABLE IF NOT EXISTS entities (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    mention_count   INTEGER NOT NULL DEFAULT 0,
    document_count  INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    UNIQUE(normalized_name, entity_type)
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

CREATE TABLE IF NOT EXISTS entity_mentions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id    TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    mention_text TEXT NOT NULL,
    position     INTEGER NOT NULL,
    context      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_mentions_document ON entity_mentions(document_id);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id);

CREATE TABLE IF NOT EXISTS face_clusters (
    id                     TEXT PRIMARY KEY,
    representative_face_id TEXT NOT NULL,
    face_count             INTEGER NOT NULL,
    document_count         INTEGER NOT NULL,
    label                  TEXT,
    created_at             INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TABLE IF NOT EXISTS faces (
    id           TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    image_path   TEXT NOT NULL,
    page_number  INTEGER NOT NULL DEFAULT 0,
    bbox_top     INTEGER NOT NULL,
    bbox_right   INTEGER NOT NULL,
    bbox_bottom  INTEGER NOT NULL,
    bbox_left    INTEGER NOT NULL,
    crop_path    TEXT NOT NULL DEFAULT '',
    face_size    INTEGER NOT NULL,
    embedding_id TEXT,
    cluster_id   TEXT REFERENCES face_clusters(id) ON DELETE SET NULL,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_faces_document ON faces(document_id);
CREATE INDEX IF NOT EXISTS idx_faces_cluster ON faces(cluster_id);

CREATE TABLE IF NOT EXISTS image_analyses (
    id             TEXT PRIMARY KEY,
    document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    image_path     TEXT NOT NULL UNIQUE,
    page_number    INTEGER NOT NULL DEFAULT 0,
    description    TEXT NOT NULL DEFAULT '',
    tags           TEXT NOT NULL DEFAULT '[]',
    category       TEXT NOT NULL DEFAULT 'other',
    interest_score REAL NOT NULL DEFAULT 0,
    flagged        INTEGER NOT NULL DEFAULT 0,
    flag_reason    TEXT NOT NULL DEFAULT '',
    raw_response   TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_analyses_document ON image_analyses(document_id);
CREATE INDEX IF NOT EXISTS idx_analyses_flagged ON image_analyses(flagged) WHERE flagged = 1;

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    document_id UNINDEXED,
    filename,
    title,
    text,
    tokenize = 'unicode61 remove_diacritics 2'
);
`

// ApplySchema executes Schema on db.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: apply schema: %w", err)
	}
	return nil
}
