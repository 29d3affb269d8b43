package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/dates"
	"github.com/hazyhaar/pdfdossier/faces"
	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/observability"
)

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// Concurrency overrides the runner width per stage. Download defaults
	// to 5.
	Concurrency map[catalog.Stage]int
	// Faces and Dates back the post-steps. Either may be nil.
	Faces *faces.Engine
	Dates *dates.Reconciler
	// RunLog records each stage run. May be nil.
	RunLog   *observability.RunLog
	Metrics  *observability.MetricsManager
	Logger   *slog.Logger
	NewRunID idgen.Generator
}

func (c *OrchestratorConfig) defaults() {
	if c.Concurrency == nil {
		c.Concurrency = map[catalog.Stage]int{}
	}
	if _, ok := c.Concurrency[catalog.StageDownload]; !ok {
		c.Concurrency[catalog.StageDownload] = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewRunID == nil {
		c.NewRunID = idgen.ULID()
	}
}

// Orchestrator runs stages by name and whole pipeline passes.
type Orchestrator struct {
	cat    *catalog.Store
	runner *Runner
	stages map[catalog.Stage]Stage
	cfg    OrchestratorConfig
}

// NewOrchestrator registers stages under their names. A stage missing from
// the list cannot be run.
func NewOrchestrator(cat *catalog.Store, runner *Runner, stages []Stage, cfg OrchestratorConfig) *Orchestrator {
	cfg.defaults()
	m := make(map[catalog.Stage]Stage, len(stages))
	for _, st := range stages {
		m[st.Name()] = st
	}
	return &Orchestrator{cat: cat, runner: runner, stages: m, cfg: cfg}
}

// Stage returns the registered stage.
func (o *Orchestrator) Stage(name catalog.Stage) (Stage, bool) {
	st, ok := o.stages[name]
	return st, ok
}

// RunStage executes one stage under a fresh run id unless opts carries
// one.
func (o *Orchestrator) RunStage(ctx context.Context, name catalog.Stage, opts RunOptions) (StageReport, error) {
	st, ok := o.stages[name]
	if !ok {
		return StageReport{Stage: name}, fmt.Errorf("%w: %q", catalog.ErrUnknownStage, name)
	}
	if opts.RunID == "" {
		opts.RunID = o.cfg.NewRunID()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = o.cfg.Concurrency[name]
	}

	if o.cfg.RunLog != nil {
		if err := o.cfg.RunLog.Start(ctx, opts.RunID, string(name)); err != nil {
			o.cfg.Logger.WarnContext(ctx, "run log start", "error", err)
		}
	}
	rep, err := o.runner.Run(ctx, st, opts)
	if err != nil && rep.Note == "" {
		rep.Note = err.Error()
	}
	if o.cfg.RunLog != nil {
		ferr := o.cfg.RunLog.Finish(context.WithoutCancel(ctx), observability.StageRun{
			RunID: opts.RunID, Stage: string(name),
			Processed: rep.Processed, Failed: rep.Failed, Skipped: rep.Skipped, Note: rep.Note,
		})
		if ferr != nil {
			o.cfg.Logger.WarnContext(ctx, "run log finish", "error", ferr)
		}
	}
	return rep, err
}

// AllOptions narrows a full pipeline pass.
type AllOptions struct {
	Limit     int
	Reprocess bool
	// Cluster and ReconcileDates enable the post-steps.
	Cluster        bool
	ReconcileDates bool
}

// RunSummary is the outcome of a full pass.
type RunSummary struct {
	RunID    string               `json:"run_id"`
	Stages   []StageReport        `json:"stages"`
	Cluster  *faces.ClusterReport `json:"cluster,omitempty"`
	Dates    *dates.Report        `json:"dates,omitempty"`
	Errors   []string             `json:"errors,omitempty"`
	Duration time.Duration        `json:"duration_ns"`
}

// RunAll runs download then extraction, then the four downstream stages
// concurrently. A stage error (catalog unavailable, setup failure,
// cancellation) aborts the pass: the remaining stages are cancelled and
// the error is returned with the partial summary. Post-step errors are
// only reported in the summary.
func (o *Orchestrator) RunAll(ctx context.Context, opts AllOptions) (RunSummary, error) {
	start := time.Now()
	sum := RunSummary{RunID: o.cfg.NewRunID()}
	log := o.cfg.Logger.With("run_id", sum.RunID)

	if err := o.cat.Ping(ctx); err != nil {
		return sum, fmt.Errorf("pipeline: catalog unreachable: %w", err)
	}

	var mu sync.Mutex
	record := func(rep StageReport, err error) error {
		mu.Lock()
		defer mu.Unlock()
		sum.Stages = append(sum.Stages, rep)
		if err == nil || errors.Is(err, catalog.ErrUnknownStage) {
			return nil
		}
		sum.Errors = append(sum.Errors, err.Error())
		log.ErrorContext(ctx, "stage run aborted the pass", "stage", string(rep.Stage), "error", err)
		return err
	}
	note := func(step string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sum.Errors = append(sum.Errors, step+": "+err.Error())
		log.ErrorContext(ctx, "post-step failed", "step", step, "error", err)
	}
	run := func(ctx context.Context, name catalog.Stage) error {
		rep, err := o.RunStage(ctx, name, RunOptions{Limit: opts.Limit, Reprocess: opts.Reprocess, RunID: sum.RunID})
		return record(rep, err)
	}

	for _, name := range []catalog.Stage{catalog.StageDownload, catalog.StageExtraction} {
		if err := run(ctx, name); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := run(gctx, catalog.StageEntity); err != nil {
			return err
		}
		if opts.ReconcileDates && o.cfg.Dates != nil {
			rep, err := o.ReconcileDates(gctx)
			if err != nil {
				note("dates", err)
				return nil
			}
			mu.Lock()
			sum.Dates = &rep
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		if err := run(gctx, catalog.StageFace); err != nil {
			return err
		}
		if opts.Cluster && o.cfg.Faces != nil {
			rep, err := o.ClusterFaces(gctx)
			if err != nil {
				note("cluster", err)
				return nil
			}
			mu.Lock()
			sum.Cluster = &rep
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error { return run(gctx, catalog.StageImageAnalysis) })
	g.Go(func() error { return run(gctx, catalog.StageIndex) })
	err := g.Wait()

	sum.Duration = time.Since(start)
	log.InfoContext(ctx, "pipeline pass done",
		"stages", len(sum.Stages), "errors", len(sum.Errors), "duration_ms", sum.Duration.Milliseconds())
	return sum, err
}

// ClusterFaces runs the clustering post-step on its own.
func (o *Orchestrator) ClusterFaces(ctx context.Context) (faces.ClusterReport, error) {
	if o.cfg.Faces == nil {
		return faces.ClusterReport{}, errors.New("pipeline: face engine not configured")
	}
	rep, err := o.cfg.Faces.Cluster(ctx)
	if err != nil {
		return rep, err
	}
	o.cfg.Metrics.Count(observability.MetricClusterCount, rep.Clusters, nil)
	return rep, nil
}

// ReconcileDates runs the date post-step on its own.
func (o *Orchestrator) ReconcileDates(ctx context.Context) (dates.Report, error) {
	if o.cfg.Dates == nil {
		return dates.Report{}, errors.New("pipeline: date reconciler not configured")
	}
	rep, err := o.cfg.Dates.Run(ctx)
	if err != nil {
		return rep, err
	}
	o.cfg.Metrics.Count(observability.MetricDatesUpdated, rep.Dated+rep.Cleared, nil)
	return rep, nil
}
