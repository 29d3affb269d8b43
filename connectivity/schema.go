package connectivity

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema defines the routes table. Each row maps a capability to a dispatch
// strategy:
//   - "local": the in-process handler registered with RegisterLocal.
//   - "http":  POST to endpoint via HTTPFactory.
//   - "noop":  capability disabled.
//
// Any write bumps PRAGMA data_version, which Watch polls to hot-reload.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TRIGGER IF NOT EXISTS trg_routes_updated_at
AFTER UPDATE ON routes
FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE routes SET updated_at = strftime('%s', 'now') WHERE service_name = NEW.service_name;
END;
`

// Init creates the routes table if it doesn't exist.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("connectivity: init schema: %w", err)
	}
	return nil
}
