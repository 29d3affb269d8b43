// Package connectivity routes capability calls (text extraction, entity
// recognition, face detection, image captioning, OCR) either to an
// in-process handler or to a remote endpoint, based on a SQLite routes table
// that can be changed at runtime.
//
//	router := connectivity.New(connectivity.WithLogger(logger))
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal("text_extract", pdfHandler)
//	router.Reload(ctx, routesDB)
//
//	resp, err := router.Call(ctx, "face_detect", payload)
//
// A service with no route and no local handler is not routable, and a
// service whose route strategy is "noop" is disabled. Callers treat both as
// "capability unavailable".
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. The returned
// close function is called when the route is removed or replaced; it may
// be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	ServiceName string
	Strategy    string
	Endpoint    string
	Config      json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	remoteMW      func(service, strategy string) HandlerMiddleware
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithRemoteMiddleware wraps every remote handler built during Reload with
// the middleware returned by mw for that service.
func WithRemoteMiddleware(mw func(service, strategy string) HandlerMiddleware) Option {
	return func(r *Router) { r.remoteMW = mw }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a strategy ("http", ...).
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// Available reports whether Call would dispatch the service somewhere.
func (r *Router) Available(service string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if snap, ok := r.routeSnap[service]; ok && snap.Strategy == "noop" {
		return &ErrServiceDisabled{Service: service}
	}
	if _, ok := r.remoteEntries[service]; ok {
		return nil
	}
	if _, ok := r.localHandlers[service]; ok {
		return nil
	}
	return &ErrServiceNotFound{Service: service}
}

// Call dispatches a service call. Resolution order:
//  1. noop route: ErrServiceDisabled.
//  2. remote route built from the routes table.
//  3. local handler.
//  4. ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		return nil, &ErrServiceDisabled{Service: service}
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", snap.Strategy, "endpoint", snap.Endpoint)
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		r.logger.DebugContext(ctx, "routing local", "service", service)
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Reload reads the routes table and rebuilds remote handlers. Only routes
// whose (strategy, endpoint, config) changed are rebuilt.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	newRoutes := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.ServiceName, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		newRoutes[rt.ServiceName] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, ok := r.remoteEntries[name]; ok {
				newEntries[name] = existing
				continue
			}
		}
		h, closeFn, err := r.build(rt)
		if err != nil {
			r.logger.Error("route build failed",
				"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint, "error", err)
			continue
		}
		newEntries[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, still := newEntries[name]; !still {
			old.close()
			continue
		}
		if r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes
	r.logger.Info("routes reloaded", "total", len(newRoutes), "remote", len(newEntries))
	return nil
}

func (r *Router) build(rt route) (Handler, func(), error) {
	factory, ok := r.factories[rt.Strategy]
	if !ok {
		return nil, nil, &ErrNoFactory{Service: rt.ServiceName, Strategy: rt.Strategy}
	}
	h, closeFn, err := factory(rt.Endpoint, rt.Config)
	if err != nil {
		return nil, nil, &ErrFactoryFailed{Service: rt.ServiceName, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err}
	}
	if r.remoteMW != nil {
		if mw := r.remoteMW(rt.ServiceName, rt.Strategy); mw != nil {
			h = mw(h)
		}
	}
	return h, closeFn, nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}
