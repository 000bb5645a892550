// Kestrel - Fraud scoring for field survey submissions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/thresholds"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"timezone", cfg.Engine.Timezone,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	cfg.Tracing.ServiceVersion = Version
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Threshold registry, seeded with any rule keys the store lacks
	engine, err := rules.NewEngine(nil)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	registry := thresholds.NewRegistry(repo, engine,
		thresholds.WithCache(cacheImpl, time.Duration(cfg.Engine.SnapshotTTL)*time.Second))

	seed, err := loadSeed(cfg.Engine.ThresholdSeedPath)
	if err != nil {
		return err
	}
	added, err := registry.Seed(ctx, seed, "system")
	if err != nil {
		return fmt.Errorf("seed thresholds: %w", err)
	}
	configVersion, _ := registry.ConfigVersion(ctx)
	slog.Info("threshold registry initialized",
		"rules", engine.RulesCount(),
		"seeded", added,
		"config_version", configVersion,
	)

	// History collaborators and the periodic form-duration refresh
	hist := history.NewService(repo, cacheImpl, history.Options{
		IdentityFields: cfg.Engine.IdentityFields,
		SampleLimit:    cfg.Engine.FormStatsSampleLimit,
		StatsTTL:       2 * time.Duration(cfg.Engine.FormStatsRefresh) * time.Second,
		Logger:         logger,
	})
	go hist.RunRefresher(ctx, time.Duration(cfg.Engine.FormStatsRefresh)*time.Second)

	// Evaluation pipeline
	dets := detectors.Default(hist, hist, hist, cfg.Engine.IdentityFields, loc)
	pipe := pipeline.New(dets, registry, repo, busImpl, pipeline.Options{
		DetectorTimeout: time.Duration(cfg.Engine.DetectorTimeout) * time.Second,
		Logger:          logger,
	})
	slog.Info("pipeline initialized", "detectors", len(dets))

	// Async worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, hist, pipe)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Worker.WorkerCount}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Registry: registry,
		History:  hist,
		Pipeline: pipe,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight evaluations before the stores close.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	return serveErr
}

func loadSeed(path string) ([]*domain.ThresholdConfig, error) {
	if path == "" {
		seed, err := thresholds.DefaultSeed()
		if err != nil {
			return nil, fmt.Errorf("load embedded threshold seed: %w", err)
		}
		return seed, nil
	}
	seed, err := thresholds.LoadSeed(path)
	if err != nil {
		return nil, fmt.Errorf("load threshold seed %s: %w", path, err)
	}
	slog.Info("threshold seed loaded", "path", path, "rules", len(seed))
	return seed, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - survey fraud scoring engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                        - Score a submission now")
	fmt.Println("    POST /submissions                     - Queue a submission for scoring")
	fmt.Println("    POST /submissions/{id}/rescore        - Re-score (optionally pinned)")
	fmt.Println("    GET  /submissions/{id}/assessments    - Assessment history")
	fmt.Println("    GET  /assessments/{id}                - Assessment with evidence")
	fmt.Println("    GET  /assessments/summary             - Counts by severity")
	fmt.Println("    GET  /thresholds                      - Active thresholds")
	fmt.Println("    GET  /thresholds/grouped              - Thresholds by category")
	fmt.Println("    GET  /thresholds/{ruleKey}/history    - Threshold versions")
	fmt.Println("    PUT  /thresholds/{ruleKey}            - Update a threshold")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
