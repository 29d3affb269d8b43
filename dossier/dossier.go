// Package dossier wires the document pipeline together: catalog, content
// store, vector index, capability router, graph and the stage orchestrator.
// It exposes the operator operations used by cmd/dossier, the HTTP routes
// and the MCP tools.
//
//	cfg, _ := dossier.LoadConfig("dossier.yaml")
//	svc, err := dossier.New(ctx, cfg, logger)
//	defer svc.Close()
//	sum, err := svc.RunAll(ctx, pipeline.AllOptions{Cluster: true, ReconcileDates: true})
package dossier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/connectivity"
	"github.com/hazyhaar/pdfdossier/content"
	"github.com/hazyhaar/pdfdossier/dates"
	"github.com/hazyhaar/pdfdossier/dbopen"
	"github.com/hazyhaar/pdfdossier/docpipe"
	"github.com/hazyhaar/pdfdossier/download"
	"github.com/hazyhaar/pdfdossier/extractor"
	"github.com/hazyhaar/pdfdossier/faces"
	"github.com/hazyhaar/pdfdossier/graph"
	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/observability"
	"github.com/hazyhaar/pdfdossier/pipeline"
	"github.com/hazyhaar/pdfdossier/vecindex"
)

// ErrNoSource is returned by Discover when no source base_url is set.
var ErrNoSource = errors.New("dossier: no source configured")

// ErrUnknownService is returned for a capability with neither a route nor
// a local handler.
var ErrUnknownService = errors.New("dossier: unknown service")

// Service is the assembled pipeline.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	Catalog  *catalog.Store
	Content  *content.Store
	Vectors  *vecindex.Index
	Metrics  *observability.MetricsManager
	Runs     *observability.RunLog
	Router   *connectivity.Router
	Admin    *connectivity.Admin
	Graph    graph.Store
	Faces    *faces.Engine
	Dates    *dates.Reconciler
	Pipeline *pipeline.Orchestrator

	breakers   *connectivity.Breakers
	metricsDB  *sql.DB
	discoverer *download.Discoverer
	browser    *download.BrowserSession
}

// Option customises New.
type Option func(*options)

type options struct {
	graph   graph.Store
	fetcher download.Fetcher
	getter  download.PageGetter
	ids     idgen.Generator
}

// WithGraph replaces the graph built from the config.
func WithGraph(g graph.Store) Option { return func(o *options) { o.graph = g } }

// WithFetcher replaces the HTTP fetcher used by the download stage. If f
// also implements download.PageGetter it serves discovery too.
func WithFetcher(f download.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithPageGetter replaces the getter used by discovery.
func WithPageGetter(g download.PageGetter) Option { return func(o *options) { o.getter = g } }

// WithIDGenerator sets the catalog id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(o *options) { o.ids = g } }

// New opens the stores and builds the pipeline. Close releases them.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("dossier: data dir: %w", err)
	}

	s := &Service{cfg: cfg, logger: logger, Content: content.New(cfg.DataDir)}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	var catOpts []catalog.Option
	if o.ids != nil {
		catOpts = append(catOpts, catalog.WithIDGenerator(o.ids))
	}
	if s.Catalog, err = catalog.Open(cfg.catalogPath(), catOpts...); err != nil {
		return nil, err
	}
	if err = connectivity.Init(ctx, s.Catalog.DB); err != nil {
		return nil, err
	}
	if s.Vectors, err = vecindex.Open(cfg.vectorPath()); err != nil {
		return nil, err
	}
	if s.metricsDB, err = dbopen.Open(cfg.metricsPath(), dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema)); err != nil {
		return nil, fmt.Errorf("dossier: metrics db: %w", err)
	}
	s.Metrics = observability.NewMetricsManager(s.metricsDB, 100, 5*time.Second)
	s.Runs = observability.NewRunLog(s.metricsDB)

	if err = s.buildRouter(ctx); err != nil {
		return nil, err
	}
	s.Graph = graph.NewBestEffort(s.openGraph(ctx, o.graph), logger)

	fetcher, getter := o.fetcher, o.getter
	if fetcher == nil {
		var gate download.Gate
		if cfg.Source.AgeVerify {
			s.browser = download.NewBrowserSession(download.BrowserConfig{
				RemoteURL: cfg.Source.BrowserURL,
				Bin:       cfg.Source.BrowserBin,
				Logger:    logger,
			})
			gate = s.browser
		}
		hf := download.NewHTTPFetcher(download.FetcherConfig{
			Timeout:           cfg.Source.Timeout,
			UserAgent:         cfg.Source.UserAgent,
			RequestsPerSecond: cfg.Source.RequestsPerSecond,
			Gate:              gate,
			Logger:            logger,
		})
		fetcher = hf
	}
	if getter == nil {
		getter, _ = fetcher.(download.PageGetter)
	}
	if listing := cfg.ListingURL(); listing != "" && getter != nil {
		s.discoverer = download.NewDiscoverer(download.DiscoverConfig{
			ListingURLs: []string{listing},
			MaxPages:    cfg.Source.MaxPages,
			Logger:      logger,
		}, getter, s.Catalog)
	}

	s.Faces = faces.New(s.Catalog, s.Vectors, s.Graph, faces.Config{
		DismissThreshold: cfg.Faces.DismissThreshold,
		Eps:              cfg.Faces.Eps,
		MinSamples:       cfg.Faces.MinSamples,
		PairCap:          cfg.Faces.PairCap,
		Logger:           logger,
	})
	s.Dates = dates.New(s.Catalog, dates.Config{FutureBufferYears: cfg.Dates.FutureBufferYears, Logger: logger})

	policy, _ := download.ParseChangePolicy(cfg.ChangePolicy)
	client := extractor.NewClient(s.Router)
	stages := []pipeline.Stage{
		&pipeline.DownloadStage{Dedup: download.NewDeduper(s.Content), Fetcher: fetcher, Policy: policy, Logger: logger},
		&pipeline.ExtractionStage{Text: client, Content: s.Content, Graph: s.Graph},
		&pipeline.EntityStage{NER: client.NER(), Graph: s.Graph},
		&pipeline.FaceStage{
			Detector:    client.Faces(),
			Content:     s.Content,
			Vectors:     s.Vectors.Collection(vecindex.CollectionFaces),
			Filter:      s.Faces.Filter(),
			Graph:       s.Graph,
			MinFaceSize: cfg.MinFaceSize,
			Logger:      logger,
		},
		&pipeline.ImageAnalysisStage{
			Captioner: client.Captioner(),
			Content:   s.Content,
			Catalog:   s.Catalog,
			MinBytes:  cfg.MinAnalysisImageBytes,
			Logger:    logger,
		},
		pipeline.IndexStage{},
	}
	runner := pipeline.NewRunner(s.Catalog, pipeline.RunnerConfig{
		ClaimTTL: cfg.ClaimTTL,
		Metrics:  s.Metrics,
		Logger:   logger,
	})
	s.Pipeline = pipeline.NewOrchestrator(s.Catalog, runner, stages, pipeline.OrchestratorConfig{
		Concurrency: cfg.stageConcurrency(),
		Faces:       s.Faces,
		Dates:       s.Dates,
		RunLog:      s.Runs,
		Metrics:     s.Metrics,
		Logger:      logger,
	})
	return s, nil
}

// buildRouter registers the local extractor, seeds configured routes and
// loads the routes table. Remote capabilities get logging, panic recovery,
// a per-service circuit breaker, call metrics and a deadline.
func (s *Service) buildRouter(ctx context.Context) error {
	s.breakers = connectivity.NewBreakers(
		connectivity.WithBreakerThreshold(s.cfg.Remote.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(s.cfg.Remote.BreakerReset),
	)
	s.Router = connectivity.New(
		connectivity.WithLogger(s.logger),
		connectivity.WithRemoteMiddleware(func(service, _ string) connectivity.HandlerMiddleware {
			return connectivity.Chain(
				connectivity.Logging(s.logger, service),
				connectivity.Recovery(s.logger),
				connectivity.WithCircuitBreaker(s.breakers.For(service), service),
				connectivity.Metrics(s.Metrics, service),
				connectivity.Timeout(s.cfg.Remote.CallTimeout),
			)
		}),
	)
	s.Router.RegisterTransport("http", connectivity.HTTPFactory())

	client := extractor.NewClient(s.Router)
	docpipe.New(docpipe.Config{
		MinImageBytes: s.cfg.MinImageBytes,
		OCRMinChars:   s.cfg.OCRMinChars,
		OCR:           client.OCR(),
		Logger:        s.logger,
	}).RegisterConnectivity(s.Router)

	s.Admin = connectivity.NewAdmin(s.Catalog.DB)
	rows, err := s.cfg.routeRows()
	if err != nil {
		return err
	}
	if err := s.Admin.SyncRoutes(ctx, rows); err != nil {
		return err
	}
	return s.Router.Reload(ctx, s.Catalog.DB)
}

// openGraph returns the injected graph, Neo4j when configured and
// reachable, or Noop. An unreachable Neo4j only degrades graph writes.
func (s *Service) openGraph(ctx context.Context, injected graph.Store) graph.Store {
	if injected != nil {
		return injected
	}
	if s.cfg.Graph.URI == "" {
		return graph.Noop{}
	}
	g, err := graph.OpenNeo4j(ctx, s.cfg.Graph)
	if err != nil {
		s.logger.WarnContext(ctx, "graph unavailable, writes disabled", "uri", s.cfg.Graph.URI, "error", err)
		return graph.Noop{}
	}
	return g
}

// Close releases every store. It is safe on a partly built Service.
func (s *Service) Close() error {
	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.Router != nil {
		errs = append(errs, s.Router.Close())
	}
	if s.Graph != nil {
		errs = append(errs, s.Graph.Close(context.Background()))
	}
	if s.Metrics != nil {
		errs = append(errs, s.Metrics.Close())
	}
	if s.metricsDB != nil {
		errs = append(errs, s.metricsDB.Close())
	}
	if s.Vectors != nil {
		errs = append(errs, s.Vectors.Close())
	}
	if s.Catalog != nil {
		errs = append(errs, s.Catalog.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *Config { return s.cfg }

// WatchRoutes hot-reloads the routes table until ctx ends.
func (s *Service) WatchRoutes(ctx context.Context, interval time.Duration) {
	s.Router.Watch(ctx, s.Catalog.DB, interval)
}

// --- operations ---

// Discover walks the configured listing and registers new documents.
func (s *Service) Discover(ctx context.Context) (download.DiscoverReport, error) {
	if s.discoverer == nil {
		return download.DiscoverReport{}, ErrNoSource
	}
	return s.discoverer.Run(ctx)
}

// RunStage runs one stage by name.
func (s *Service) RunStage(ctx context.Context, stage string, opts pipeline.RunOptions) (pipeline.StageReport, error) {
	st, err := catalog.ParseStage(stage)
	if err != nil {
		return pipeline.StageReport{}, err
	}
	return s.Pipeline.RunStage(ctx, st, opts)
}

// RunAll runs a full pipeline pass.
func (s *Service) RunAll(ctx context.Context, opts pipeline.AllOptions) (pipeline.RunSummary, error) {
	return s.Pipeline.RunAll(ctx, opts)
}

// ClusterFaces recomputes the identity clusters.
func (s *Service) ClusterFaces(ctx context.Context) (faces.ClusterReport, error) {
	return s.Pipeline.ClusterFaces(ctx)
}

// ReconcileDates recomputes document date ranges.
func (s *Service) ReconcileDates(ctx context.Context) (dates.Report, error) {
	return s.Pipeline.ReconcileDates(ctx)
}

// DismissCluster marks a cluster as a false positive.
func (s *Service) DismissCluster(ctx context.Context, clusterID string) (faces.DismissReport, error) {
	return s.Faces.Dismiss(ctx, clusterID)
}

// LabelCluster names a cluster.
func (s *Service) LabelCluster(ctx context.Context, clusterID, label string) error {
	return s.Faces.Label(ctx, clusterID, label)
}

// Search runs a full-text query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]catalog.SearchHit, error) {
	return s.Catalog.SearchText(ctx, query, limit)
}

// ServiceRoutes lists how every capability is routed.
func (s *Service) ServiceRoutes() []connectivity.ServiceInfo {
	var out []connectivity.ServiceInfo
	for info := range s.Router.ListServices() {
		out = append(out, info)
	}
	return out
}

// RouteDetail is the live routing of one capability plus its stored row.
// Route is nil for a capability served only by its local handler.
type RouteDetail struct {
	connectivity.ServiceInfo
	Route *connectivity.RouteRow `json:"route,omitempty"`
}

// ServiceRoute describes how one capability is routed.
func (s *Service) ServiceRoute(ctx context.Context, name string) (*RouteDetail, error) {
	info, ok := s.Router.Inspect(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	d := &RouteDetail{ServiceInfo: info}
	row, err := s.Admin.GetRoute(ctx, name)
	switch {
	case err == nil:
		d.Route = row
	case !errors.Is(err, connectivity.ErrRouteNotFound):
		return nil, err
	}
	return d, nil
}

// RouteTable returns the stored routes table.
func (s *Service) RouteTable(ctx context.Context) ([]connectivity.RouteRow, error) {
	return s.Admin.ListRoutes(ctx)
}

// SetRouteStrategy changes the strategy of a stored route and reloads the
// router. "noop" disables the capability and keeps its endpoint.
func (s *Service) SetRouteStrategy(ctx context.Context, name, strategy string) error {
	if strategy == "" {
		return errors.New("dossier: strategy is required")
	}
	if err := s.Admin.SetStrategy(ctx, name, strategy); err != nil {
		return err
	}
	return s.Router.Reload(ctx, s.Catalog.DB)
}

// DeleteRoute removes a stored route and reloads the router. The capability
// falls back to its local handler when it has one. Routes seeded from the
// config file come back on the next start.
func (s *Service) DeleteRoute(ctx context.Context, name string) error {
	if err := s.Admin.DeleteRoute(ctx, name); err != nil {
		return err
	}
	return s.Router.Reload(ctx, s.Catalog.DB)
}

// Status is the operator overview.
type Status struct {
	Documents int                                       `json:"documents"`
	Stages    map[catalog.Stage]map[catalog.Status]int `json:"stages"`
	Entities  map[string]int                            `json:"entities"`
	Faces     catalog.FaceTotals                        `json:"faces"`
	Breakers  map[string]string                         `json:"breakers,omitempty"`
	Runs      []observability.StageRun                  `json:"runs,omitempty"`
}

// Status gathers counts per stage and status, entity and face totals, the
// circuit breaker states and the latest stage runs.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{Breakers: map[string]string{}}
	var err error
	if st.Documents, err = s.Catalog.CountDocuments(ctx); err != nil {
		return nil, err
	}
	if st.Stages, err = s.Catalog.StageCounts(ctx); err != nil {
		return nil, err
	}
	if st.Entities, err = s.Catalog.EntityCounts(ctx); err != nil {
		return nil, err
	}
	if st.Faces, err = s.Catalog.FaceTotals(ctx); err != nil {
		return nil, err
	}
	for name, state := range s.breakers.States() {
		st.Breakers[name] = state.String()
	}
	if st.Runs, err = s.Runs.Recent(ctx, 12); err != nil {
		return nil, err
	}
	return st, nil
}
