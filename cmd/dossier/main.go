// Command dossier runs the document pipeline: discovery, download,
// extraction and the analysis stages, plus the operator HTTP/MCP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/dossier"
	"github.com/hazyhaar/pdfdossier/pipeline"

	_ "modernc.org/sqlite"
)

var version = "dev"

// stageCommands maps CLI verbs to pipeline stages.
var stageCommands = map[string]catalog.Stage{
	"download":       catalog.StageDownload,
	"extract":        catalog.StageExtraction,
	"entities":       catalog.StageEntity,
	"faces":          catalog.StageFace,
	"analyze-images": catalog.StageImageAnalysis,
	"index":          catalog.StageIndex,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", env("DOSSIER_CONFIG", ""), "YAML config file")
	limit := fs.Int("limit", 0, "maximum documents to process (0 = all)")
	reprocess := fs.Bool("reprocess", false, "include documents already completed")
	concurrency := fs.Int("concurrency", 0, "worker count for this stage (0 = configured)")
	noCluster := fs.Bool("no-cluster", false, "process-all: skip face clustering")
	noDates := fs.Bool("no-dates", false, "process-all: skip date reconciliation")
	fs.Parse(os.Args[2:])
	args := fs.Args()

	logger := newLogger(env("LOG_LEVEL", "info"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := dossier.LoadConfig(*configPath)
	if err != nil {
		fatal(logger, "config", err)
	}
	svc, err := dossier.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "open", err)
	}
	defer svc.Close()

	opts := pipeline.RunOptions{Limit: *limit, Reprocess: *reprocess, Concurrency: *concurrency}

	var out any
	switch cmd {
	case "init":
		out = map[string]string{"data_dir": cfg.DataDir, "status": "ready"}
	case "discover":
		out, err = svc.Discover(ctx)
	case "download", "extract", "entities", "faces", "analyze-images", "index":
		out, err = svc.RunStage(ctx, string(stageCommands[cmd]), opts)
	case "cluster":
		out, err = svc.ClusterFaces(ctx)
	case "dates":
		out, err = svc.ReconcileDates(ctx)
	case "process-all":
		out, err = svc.RunAll(ctx, pipeline.AllOptions{
			Limit:          *limit,
			Reprocess:      *reprocess,
			Cluster:        !*noCluster,
			ReconcileDates: !*noDates,
		})
	case "status":
		out, err = svc.Status(ctx)
	case "dismiss-cluster":
		if len(args) < 1 {
			fatal(logger, cmd, errors.New("usage: dossier dismiss-cluster <cluster_id>"))
		}
		out, err = svc.DismissCluster(ctx, args[0])
	case "label-cluster":
		if len(args) < 2 {
			fatal(logger, cmd, errors.New("usage: dossier label-cluster <cluster_id> <label>"))
		}
		err = svc.LabelCluster(ctx, args[0], strings.Join(args[1:], " "))
		out = map[string]string{"cluster_id": args[0], "label": strings.Join(args[1:], " ")}
	case "search":
		if len(args) < 1 {
			fatal(logger, cmd, errors.New("usage: dossier search <query>"))
		}
		out, err = svc.Search(ctx, strings.Join(args, " "), *limit)
	case "routes":
		if len(args) > 0 {
			out, err = svc.ServiceRoute(ctx, args[0])
		} else {
			out = svc.ServiceRoutes()
		}
	case "route-table":
		out, err = svc.RouteTable(ctx)
	case "set-strategy":
		if len(args) < 2 {
			fatal(logger, cmd, errors.New("usage: dossier set-strategy <service> <strategy>"))
		}
		err = svc.SetRouteStrategy(ctx, args[0], args[1])
		out = map[string]string{"service": args[0], "strategy": args[1]}
	case "delete-route":
		if len(args) < 1 {
			fatal(logger, cmd, errors.New("usage: dossier delete-route <service>"))
		}
		err = svc.DeleteRoute(ctx, args[0])
		out = map[string]string{"service": args[0], "status": "deleted"}
	case "serve":
		err = serve(ctx, svc, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal(logger, cmd, err)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	}
}

func serve(ctx context.Context, svc *dossier.Service, logger *slog.Logger) error {
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "dossier", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	go svc.WatchRoutes(ctx, 30*time.Second)

	srv := &http.Server{
		Addr:              svc.Config().Addr,
		Handler:           svc.Routes(mcpSrv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("dossier listening", "addr", srv.Addr, "version", version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("dossier stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func fatal(logger *slog.Logger, op string, err error) {
	logger.Error(op+" failed", "error", err)
	os.Exit(1)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dossier: PDF document pipeline

usage:
  dossier <command> [-config file] [-limit n] [-reprocess] [-concurrency n] [args]

commands:
  init             create the data directory and databases
  discover         walk the source listing and register new PDFs
  download         fetch registered PDFs
  extract          extract text and page images
  entities         recognise named entities
  faces            detect faces in page images
  cluster          group detected faces into identities
  analyze-images   caption and flag page images
  index            build the full-text index
  dates            reconcile document date ranges
  process-all      run every stage in order [-no-cluster] [-no-dates]
  status           counts per stage and status
  dismiss-cluster  <cluster_id> mark a face cluster as a false positive
  label-cluster    <cluster_id> <label> name a face cluster
  search           <query> full-text search
  routes           [service] show how each capability (or one) is routed
  route-table      list the stored routes table
  set-strategy     <service> <strategy> change a route's strategy (noop disables)
  delete-route     <service> remove a stored route
  serve            HTTP and MCP operator surface on the configured addr
`)
}
