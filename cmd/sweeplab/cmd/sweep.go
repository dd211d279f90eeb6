package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/config"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/loadgen"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/logging"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/monitor"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/sweep"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/topology"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/pkg/models"
)

var (
	sweepInstances   string
	sweepConcurrency string
	sweepNumRequests int
	sweepKind        string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a full throughput sweep over the configured grid",
	Long: `Walk every cell of the configured parameter grid, measure throughput
per cell, and append one CSV row per completed cell. A run summary is
stored in the history database when the sweep finishes.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepInstances, "instances", "", "Instance count list override (e.g. 1,2,4)")
	sweepCmd.Flags().StringVar(&sweepConcurrency, "concurrency", "", "Request concurrency list override (e.g. 8,16,32)")
	sweepCmd.Flags().IntVar(&sweepNumRequests, "num-requests", 0, "Pin the per-cell request count (0 derives it from concurrency)")
	sweepCmd.Flags().StringVar(&sweepKind, "kind", "full_sweep", "Result file kind prefix")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("instances") {
		cfg.Sweep.Instances = sweepInstances
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Sweep.Concurrency = sweepConcurrency
	}
	if cmd.Flags().Changed("num-requests") {
		cfg.Sweep.NumRequests = sweepNumRequests
	}

	if err := cfg.RequireModel(); err != nil {
		return err
	}
	g, err := cfg.BuildGrid()
	if err != nil {
		return err
	}

	startedAt := time.Now()
	sink, err := results.NewCSVSink(cfg.Results.Dir, sweepKind, startedAt)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, err := results.OpenRunStore(cfg.Results.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := topology.NewRegistry()
	provisioner := topology.NewProvisioner(topologyConfig(cfg), registry, logger)

	factory := func(endpoint string) sweep.LoadGenerator {
		client := loadgen.NewClient(endpoint, cfg.Load.RequestTimeout)
		return loadgen.New(client,
			loadgen.RetryPolicy{
				MaxAttempts: cfg.Load.RetryAttempts,
				BaseDelay:   cfg.Load.RetryBaseDelay,
			},
			loadgen.WithLogger(logger),
			loadgen.WithRateLimit(cfg.Load.RateLimitRPS))
	}

	payload := models.ChatCompletionRequest{
		Messages:    []models.ChatMessage{{Role: "user", Content: cfg.Load.Prompt}},
		MaxTokens:   cfg.Load.MaxTokens,
		Temperature: cfg.Load.Temperature,
	}

	tracker := sweep.NewTracker()
	driver := sweep.NewDriver(
		sweep.Config{
			Grid:            g,
			Payload:         payload,
			WarmupRequests:  cfg.Sweep.WarmupRequests,
			CellPause:       cfg.Sweep.CellPause,
			ContinueOnError: cfg.Sweep.ContinueOnError,
		},
		sweep.NewTopologyProvisioner(provisioner),
		factory,
		sink,
		sweep.WithLogger(logger),
		sweep.WithTracker(tracker),
	)

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.New(tracker,
			monitor.WithLogger(logger),
			monitor.WithHost(cfg.Server.Host),
			monitor.WithPort(cfg.Monitor.Port))
		go func() {
			if err := mon.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server failed", slog.String("error", err.Error()))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	ctx = logging.WithRunID(ctx, runID)

	summary, runErr := driver.Run(ctx)

	// Persist the run summary even when the sweep was aborted: partial
	// results on disk should stay discoverable.
	run := &results.RunRecord{
		ID:             runID,
		StartedAt:      startedAt,
		CompletedAt:    time.Now(),
		Model:          cfg.Model.Path,
		ResultsPath:    sink.Path(),
		CellsTotal:     summary.CellsTotal,
		CellsCompleted: summary.CellsCompleted,
		CellsSkipped:   summary.CellsSkipped,
	}
	if summary.HasBest {
		run.BestInstances = summary.Best.Instances
		run.BestDecode = summary.Best.DecodeConcurrency
		run.BestPrompt = summary.Best.PromptConcurrency
		run.BestConcurrency = summary.Best.Concurrency
		run.BestThroughputTPS = summary.Best.ThroughputTPS
	}
	if err := store.Save(context.Background(), run); err != nil {
		logger.Warn("failed to save run history", slog.String("error", err.Error()))
	}

	if mon != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mon.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitor shutdown failed", slog.String("error", err.Error()))
		}
	}

	// Last line of defense against leaked server processes.
	registry.KillStragglers(logger)

	printSummary(summary, sink.Path())
	return runErr
}

func topologyConfig(cfg *config.Config) topology.Config {
	return topology.Config{
		Model:         cfg.Model.Path,
		Host:          cfg.Server.Host,
		BasePort:      cfg.Server.BasePort,
		ProxyPort:     cfg.Server.ProxyPort,
		PythonBin:     cfg.Server.PythonBin,
		NginxBin:      cfg.Server.NginxBin,
		BindTimeout:   cfg.Server.BindTimeout,
		ReadyTimeout:  cfg.Server.ReadyTimeout,
		StartupDelay:  cfg.Server.StartupDelay,
		TeardownGrace: cfg.Server.TeardownGrace,
		ServerArgs:    grid.NewArgSet(grid.ParseServerArgs(cfg.Server.ExtraArgs)),
	}
}

func printSummary(summary sweep.Summary, resultsPath string) {
	fmt.Printf("\nSweep finished in %s\n", summary.Elapsed.Round(time.Second))
	fmt.Printf("Cells: %d completed, %d skipped, %d total\n",
		summary.CellsCompleted, summary.CellsSkipped, summary.CellsTotal)
	if summary.HasBest {
		fmt.Printf("Best cell: instances=%d decode=%d prompt=%d concurrency=%d -> %.1f tok/s\n",
			summary.Best.Instances, summary.Best.DecodeConcurrency,
			summary.Best.PromptConcurrency, summary.Best.Concurrency,
			summary.Best.ThroughputTPS)
	}
	fmt.Printf("Results: %s\n", resultsPath)
}
