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
	"github.com/hazyhaar/pdfdossier/extractor"
	"github.com/hazyhaar/pdfdossier/observability"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Concurrency is the default worker count per stage. Default: 4.
	Concurrency int
	// ClaimTTL makes older 'processing' claims reclaimable. Default: 30m.
	ClaimTTL time.Duration
	Metrics  *observability.MetricsManager
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *RunnerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RunOptions narrows one stage run.
type RunOptions struct {
	Limit       int
	Reprocess   bool
	Concurrency int
	DocumentIDs []string
	RunID       string
}

// StageReport is the outcome of one stage run.
type StageReport struct {
	Stage      catalog.Stage `json:"stage"`
	Candidates int           `json:"candidates"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Lost       int           `json:"lost"`
	// Interrupted counts claims handed back because the run was cancelled.
	Interrupted int `json:"interrupted"`
	Produced   int           `json:"produced"`
	Duration   time.Duration `json:"duration_ns"`
	Note       string        `json:"note,omitempty"`
}

// Runner executes stages.
type Runner struct {
	cat *catalog.Store
	cfg RunnerConfig
}

// NewRunner creates a Runner over the catalog.
func NewRunner(cat *catalog.Store, cfg RunnerConfig) *Runner {
	cfg.defaults()
	return &Runner{cat: cat, cfg: cfg}
}

// Run executes st over its candidates. Per-document failures become
// statuses and counters. Catalog errors (select, claim, mark, release),
// setup errors and cancellation end the run and are returned.
func (r *Runner) Run(ctx context.Context, st Stage, opts RunOptions) (StageReport, error) {
	start := time.Now()
	name := st.Name()
	rep := StageReport{Stage: name}
	log := r.cfg.Logger.With("stage", string(name))
	if opts.RunID != "" {
		log = log.With("run_id", opts.RunID)
	}

	staleBefore := r.cfg.Now().Add(-r.cfg.ClaimTTL)
	cands, err := r.cat.SelectCandidates(ctx, name, catalog.Selection{
		Reprocess:   opts.Reprocess,
		Limit:       opts.Limit,
		StaleBefore: staleBefore,
		DocumentIDs: opts.DocumentIDs,
	})
	if err != nil {
		return rep, fmt.Errorf("pipeline: select %s: %w", name, err)
	}
	rep.Candidates = len(cands)
	if len(cands) == 0 {
		log.InfoContext(ctx, "stage has nothing to do")
		rep.Duration = time.Since(start)
		return rep, nil
	}

	if avail := st.Available(ctx); avail != nil {
		if !errors.Is(avail, extractor.ErrUnavailable) {
			return rep, fmt.Errorf("pipeline: %s availability: %w", name, avail)
		}
		n, err := r.cat.MarkSkipped(ctx, name, cands)
		if err != nil {
			return rep, fmt.Errorf("pipeline: skip %s: %w", name, err)
		}
		rep.Skipped = n
		rep.Note = avail.Error()
		rep.Duration = time.Since(start)
		r.cfg.Metrics.Count(observability.MetricStageSkipped, n, r.labels(name, opts))
		log.WarnContext(ctx, "capability unavailable, stage skipped", "documents", n, "reason", rep.Note)
		return rep, nil
	}

	width := opts.Concurrency
	if width <= 0 {
		width = r.cfg.Concurrency
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for _, cand := range cands {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := r.processOne(gctx, st, cand, staleBefore, opts, log)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.err != nil:
				return out.err
			case out.interrupted:
				rep.Interrupted++
			case out.status == catalog.StatusCompleted:
				rep.Processed++
				rep.Produced += out.produced
			case out.status == catalog.StatusFailed:
				rep.Failed++
			default:
				rep.Lost++
			}
			return nil
		})
	}
	fatal := g.Wait()

	rep.Duration = time.Since(start)
	labels := r.labels(name, opts)
	r.cfg.Metrics.Count(observability.MetricStageProcessed, rep.Processed, labels)
	r.cfg.Metrics.Count(observability.MetricStageFailed, rep.Failed, labels)
	r.cfg.Metrics.Duration(observability.MetricStageDurationMs, rep.Duration, labels)
	log.InfoContext(ctx, "stage done",
		"candidates", rep.Candidates, "processed", rep.Processed, "failed", rep.Failed,
		"lost", rep.Lost, "interrupted", rep.Interrupted, "produced", rep.Produced,
		"duration_ms", rep.Duration.Milliseconds())

	if fatal != nil {
		rep.Note = fatal.Error()
		log.ErrorContext(ctx, "stage aborted", "error", fatal)
		return rep, fmt.Errorf("pipeline: %s: %w", name, fatal)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

type outcome struct {
	status      catalog.Status // completed, failed, or "" when the claim was lost
	produced    int
	interrupted bool
	err         error // catalog error that ends the run
}

func (r *Runner) processOne(ctx context.Context, st Stage, cand catalog.Candidate, staleBefore time.Time, opts RunOptions, log *slog.Logger) outcome {
	name := st.Name()
	log = log.With("doc_id", cand.ID, "filename", cand.Filename)

	ok, err := r.cat.Claim(ctx, cand.ID, name, cand.Status, staleBefore)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{interrupted: true}
		}
		return outcome{err: err}
	}
	if !ok {
		log.DebugContext(ctx, "claim lost")
		return outcome{}
	}

	start := time.Now()
	// Bookkeeping after a failure must land even if the run is cancelled,
	// so the document is selectable again right away.
	bookCtx := context.WithoutCancel(ctx)

	doc, err := r.cat.GetDocument(ctx, cand.ID)
	if err != nil {
		return r.fail(bookCtx, ctx, name, cand, err, log)
	}

	res, err := st.Process(ctx, Job{Doc: doc, Reprocess: opts.Reprocess})
	if err != nil {
		res.rollback(bookCtx)
		return r.fail(bookCtx, ctx, name, cand, err, log)
	}

	err = r.cat.InTx(ctx, func(tx *catalog.Tx) error {
		if err := res.persist(ctx, tx); err != nil {
			return err
		}
		return tx.CompleteStage(ctx, cand.ID, name)
	})
	if err != nil {
		res.rollback(bookCtx)
		if errors.Is(err, catalog.ErrClaimLost) {
			log.WarnContext(ctx, "claim taken over before commit", "error", err)
			return outcome{}
		}
		return r.fail(bookCtx, ctx, name, cand, fmt.Errorf("commit: %w", err), log)
	}

	res.after(bookCtx)
	dur := time.Since(start)
	r.cfg.Metrics.Duration(observability.MetricDocumentDurationMs, dur, r.labels(name, opts))
	log.DebugContext(ctx, "document completed", "produced", res.produced(), "duration_ms", dur.Milliseconds())
	return outcome{status: catalog.StatusCompleted, produced: res.produced()}
}

// fail records a failed attempt. When the run itself was cancelled the
// claim is released instead, leaving the document as it was selected.
func (r *Runner) fail(bookCtx, runCtx context.Context, stage catalog.Stage, cand catalog.Candidate, cause error, log *slog.Logger) outcome {
	if runCtx.Err() != nil {
		log.InfoContext(bookCtx, "document interrupted", "error", cause)
		if err := r.cat.ReleaseClaim(bookCtx, cand.ID, stage, cand.Status); err != nil {
			if errors.Is(err, catalog.ErrClaimLost) {
				return outcome{}
			}
			return outcome{err: err}
		}
		return outcome{interrupted: true}
	}
	log.WarnContext(bookCtx, "document failed", "error", cause, "content_error", errors.Is(cause, extractor.ErrContent))
	if err := r.cat.MarkFailed(bookCtx, cand.ID, stage); err != nil {
		if errors.Is(err, catalog.ErrClaimLost) {
			log.WarnContext(bookCtx, "claim taken over before failure was recorded", "error", err)
			return outcome{}
		}
		return outcome{err: err}
	}
	return outcome{status: catalog.StatusFailed}
}

func (r *Runner) labels(stage catalog.Stage, opts RunOptions) map[string]string {
	l := map[string]string{"stage": string(stage)}
	if opts.RunID != "" {
		l["run_id"] = opts.RunID
	}
	return l
}
