// AXM - Fraud scoring for healthcare insurance claims.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/axm/internal/api"
	"github.com/opensource-finance/axm/internal/bus"
	"github.com/opensource-finance/axm/internal/cache"
	"github.com/opensource-finance/axm/internal/config"
	"github.com/opensource-finance/axm/internal/dispatch"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/engine"
	"github.com/opensource-finance/axm/internal/repository"
	"github.com/opensource-finance/axm/internal/telemetry"
	"github.com/opensource-finance/axm/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg)}
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting axm",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("axm exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("axm shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	dispatcher := dispatch.New(cfg.Dispatch, cacheImpl,
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(logger),
	)
	// Workers outlive the signal so queued writes can drain on shutdown.
	dispatcher.Start(context.WithoutCancel(ctx))

	eng, err := engine.Build(cfg, engine.Collaborators{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Stored state is best effort; a partial restore still leaves a usable engine.
	if err := eng.Restore(ctx); err != nil {
		slog.Warn("state restore incomplete", "error", err)
	}
	slog.Info("rule registry initialized", "active_rules", len(eng.ActiveRules()))

	go eng.RunSweeper(ctx, cfg.Ledger.SweepInterval)

	asyncWorker := worker.NewWorker(busImpl, eng, logger)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		asyncWorker = nil
	}

	srv := api.NewServer(cfg.Server, eng, busImpl, Version)
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("axm is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain pending repository writes and notifications before the
	// collaborators are closed.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		slog.Error("dispatcher did not drain", "pending", dispatcher.Pending(), "error", err)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                   AXM                     |")
	fmt.Println("  |      Claims Fraud Scoring Engine          |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /claims                   - Score a claim (?async=true to queue)")
	fmt.Println("    POST /claims/batch             - Score a batch of claims")
	fmt.Println("    GET  /cases?status=...         - List cases by status")
	fmt.Println("    GET  /cases/{claimId}          - Get a case")
	fmt.Println("    POST /cases/{claimId}/close    - Close a case")
	fmt.Println("    POST /cases/{claimId}/reopen   - Reopen and re-score a case")
	fmt.Println("    GET  /rules                    - List rule versions")
	fmt.Println("    POST /rules                    - Register a rule version")
	fmt.Println("    POST /rules/{id}/activate      - Activate a rule version")
	fmt.Println("    POST /rules/{id}/deactivate    - Deactivate a rule")
	fmt.Println("    POST /rules/reload             - Reload rules from storage")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
