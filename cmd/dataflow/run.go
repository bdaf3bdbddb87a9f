package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/deploy"
	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline until every vertex completes",
	Long: `Run loads a pipeline file, deploys its resources, starts one runner per
vertex and waits for all of them. SIGINT or SIGTERM interrupts the runners.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Pipeline file (YAML)")
	runCmd.Flags().String("addr", "", "Serve metrics and runner state on this address")
	runCmd.Flags().String("resources-dir", "", "Directory for deployed resources (default: system temp)")
	runCmd.Flags().String("redis", "", "Publish resources to this Redis address and read them back from it")
	_ = runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	resourcesDir, _ := cmd.Flags().GetString("resources-dir")
	redisAddr, _ := cmd.Flags().GetString("redis")

	logger, flush, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer flush()

	cfg, err := LoadPipeline(configPath)
	if err != nil {
		return err
	}
	if cfg.Application == "" {
		cfg.Application = "pipeline-" + uuid.NewString()
	}
	if cfg.Store.Driver == "" && addr != "" {
		cfg.Store.Driver = "memory"
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(st); cerr != nil {
			logger.Error(cerr, "Failed to close store", "driver", cfg.Store.Driver)
		}
	}()

	files, err := deploy.NewFileStore(resourcesDir, logger.WithName("resources"))
	if err != nil {
		return err
	}
	defer func() {
		if derr := files.Destroy(); derr != nil {
			logger.Error(derr, "Failed to remove deployed resources", "dir", files.Dir())
		}
	}()
	if err := cfg.Deploy(files, filepath.Dir(configPath)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resources graph.ResourceProvider = files
	if redisAddr != "" {
		rs := deploy.NewRedisStore(redisAddr, "", 0)
		defer rs.Close()
		n, err := rs.PublishAll(ctx, files)
		if err != nil {
			return fmt.Errorf("publish resources: %w", err)
		}
		logger.Info("Published resources", "count", n, "redis", redisAddr)
		resources = rs
	}

	registry := prometheus.NewRegistry()
	opts := []graph.Option{
		graph.WithOptions(cfg.Engine.Options()),
		graph.WithLogger(logger),
		graph.WithEmitter(emit.NewLogrEmitter(logger.WithName("events"), 1)),
		graph.WithMetrics(graph.NewPrometheusMetrics(registry)),
		graph.WithResources(resources),
	}
	if st != nil {
		opts = append(opts, graph.WithStore(st))
	}
	engine, err := graph.NewNodeEngine(opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := engine.Shutdown(shutdownCtx); serr != nil {
			logger.Error(serr, "Engine shutdown")
		}
	}()

	app := graph.NewApplicationContext(cfg.Application)
	runners, err := cfg.Build(app, engine)
	if err != nil {
		return err
	}

	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newHandler(app, runners, st, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving", "addr", addr)
			if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Error(serr, "HTTP server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	results, err := execute(ctx, logger, runners)
	for _, res := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s rounds=%-6d in=%-8d out=%d\n", res.Vertex, res.Rounds, res.ItemsIn, res.ItemsOut)
	}
	return err
}

// execute starts runners in order and waits for all of them. When ctx is
// cancelled first the runners are interrupted downstream first.
func execute(ctx context.Context, logger logr.Logger, runners []*graph.VertexRunner) ([]graph.RunResult, error) {
	for _, r := range runners {
		if _, err := r.Start().Get(ctx); err != nil {
			interruptAll(logger, runners)
			return nil, fmt.Errorf("start %s: %w", r.Name(), err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, r := range runners {
			<-r.Completion().Done()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("Interrupting pipeline")
		interruptAll(logger, runners)
		<-done
	}

	var errs error
	results := make([]graph.RunResult, 0, len(runners))
	for _, r := range runners {
		res, err := r.Completion().Result()
		res.Vertex = r.Name()
		results = append(results, res)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
		logger.V(1).Info("Runner finished", "vertex", r.Name(), "state", r.State().String())
	}
	return results, errs
}

func interruptAll(logger logr.Logger, runners []*graph.VertexRunner) {
	for i := len(runners) - 1; i >= 0; i-- {
		r := runners[i]
		if r.State() != graph.StateRunning {
			continue
		}
		// Interrupt resolves once the runner is drained; completion is
		// observed through the runner's completion future.
		f := r.Interrupt()
		go func() {
			if _, err := f.Get(context.Background()); err != nil {
				logger.V(1).Info("Interrupt rejected", "vertex", r.Name(), "err", err.Error())
			}
		}()
	}
}

// closeStore closes st when its backend holds a connection.
func closeStore(st store.Store) error {
	if c, ok := st.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		if cfg.DSN == "" {
			cfg.DSN = "dataflow.db"
		}
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
