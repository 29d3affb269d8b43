package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRouteNotFound is returned by Admin mutations on a missing route.
var ErrRouteNotFound = errors.New("connectivity: route not found")

// Admin edits the routes table. Changes are picked up by Watch, or by an
// explicit Router.Reload.
type Admin struct {
	db *sql.DB
}

// NewAdmin creates an Admin over a database with Schema applied.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// RouteRow is one row of the routes table.
type RouteRow struct {
	ServiceName string          `json:"service_name"`
	Strategy    string          `json:"strategy"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// ListRoutes returns all routes ordered by service name.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var cfg string
		if err := rows.Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &cfg, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoute returns a route by service name, or ErrRouteNotFound.
func (a *Admin) GetRoute(ctx context.Context, service string) (*RouteRow, error) {
	var r RouteRow
	var cfg string
	err := a.db.QueryRowContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes WHERE service_name = ?`, service).
		Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &cfg, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	if err != nil {
		return nil, fmt.Errorf("connectivity: get route: %w", err)
	}
	r.Config = json.RawMessage(cfg)
	return &r, nil
}

// UpsertRoute inserts or replaces a route.
func (a *Admin) UpsertRoute(ctx context.Context, service, strategy, endpoint string, config json.RawMessage) error {
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy = excluded.strategy,
		     endpoint = excluded.endpoint,
		     config   = excluded.config`,
		service, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route %s: %w", service, err)
	}
	return nil
}

// SyncRoutes upserts every row in routes. Rows already in the table and not
// in routes are left alone, so operator edits survive a restart.
func (a *Admin) SyncRoutes(ctx context.Context, routes []RouteRow) error {
	for _, r := range routes {
		if err := a.UpsertRoute(ctx, r.ServiceName, r.Strategy, r.Endpoint, r.Config); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRoute removes a route.
func (a *Admin) DeleteRoute(ctx context.Context, service string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service)
	if err != nil {
		return fmt.Errorf("connectivity: delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	return nil
}

// SetStrategy changes only the strategy of an existing route. Setting "noop"
// disables the capability without losing its endpoint.
func (a *Admin) SetStrategy(ctx context.Context, service, strategy string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE routes SET strategy = ? WHERE service_name = ?`, strategy, service)
	if err != nil {
		return fmt.Errorf("connectivity: set strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, service)
	}
	return nil
}
