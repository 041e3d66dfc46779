// Package main runs the engine's background work:
// - the periodic leaderboard rebuild that repairs drift left by incremental
//   updates
// - the nightly ledger replay that corrects drifted aggregates
//
// It shares storage with the engine binary and exposes only healthSrv and
// metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qahub/reputation-engine/config"
	"github.com/qahub/reputation-engine/internal/bootstrap"
	"github.com/qahub/reputation-engine/internal/infrastructure/scheduler"
	"github.com/qahub/reputation-engine/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/qahub/reputation-engine/internal/interface/http"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Scheduler.Enabled {
		return errors.New("scheduler is disabled (SCHEDULER_ENABLED=false)")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat,
		slog.String("service", cfg.App.Name+"-worker"),
		slog.String("version", cfg.App.Version),
		slog.String("env", string(cfg.App.Environment)),
	)
	log.Info("starting reputation worker",
		"leaderboard_interval", cfg.Scheduler.RebuildLeaderboardInterval.String(),
		"reconcile_cron", cfg.Scheduler.ReconcileCron,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	// Drift and rebuild events are only logged here, so the bus runs inline.
	engine, err := bootstrap.New(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("failed to assemble engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			log.Error("engine close failed", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	schedCfg.JobTimeout = cfg.Scheduler.JobTimeout
	if engine.Metrics != nil {
		schedCfg.Observer = engine.Metrics
	}
	sched := scheduler.NewScheduler(schedCfg)

	if err := registerJobs(sched, engine, cfg, log); err != nil {
		return err
	}
	if cfg.Scheduler.RunOnce {
		return runOnce(ctx, sched, log)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. HEALTH AND METRICS
	// ─────────────────────────────────────────────────────────────────────────
	healthCfg := httpserver.DefaultConfig()
	healthCfg.Host = cfg.HTTP.Host
	healthCfg.Port = cfg.Observability.MetricsPort
	healthCfg.RateLimitPerMinute = 0

	healthDeps := httpserver.Dependencies{Health: engine.Health, Logger: log}
	if engine.Metrics != nil {
		healthDeps.Metrics = engine.Metrics.Handler()
	}
	healthSrv := httpserver.NewServer(healthCfg, healthDeps)

	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.Start(); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. RUN
	// ─────────────────────────────────────────────────────────────────────────
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	for _, j := range sched.ListJobs() {
		log.Info("job scheduled", "job", j.Name, "schedule", j.Schedule, "next_run", j.NextRun)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-errCh:
		log.Error("service error", logger.Err(runErr))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting graceful shutdown", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(); err != nil {
		log.Error("failed to stop scheduler", logger.Err(err))
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop health server", logger.Err(err))
	}

	if runErr == nil {
		log.Info("shutdown completed successfully")
	}
	return runErr
}

// runOnce runs every registered job in name order. A failing job does not
// stop the rest.
func runOnce(ctx context.Context, sched *scheduler.Scheduler, log *slog.Logger) error {
	var errs []error
	for _, j := range sched.ListJobs() {
		res, err := sched.RunNow(ctx, j.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		log.Info("job finished", "job", j.Name, "took", res.Duration.String())
	}
	return errors.Join(errs...)
}

// registerJobs wires the sweeps to their schedules.
func registerJobs(sched *scheduler.Scheduler, engine *bootstrap.Engine, cfg *config.Config, log *slog.Logger) error {
	// A nil *redis.Cache must stay a nil interface.
	var locker jobs.Locker
	if engine.Cache != nil {
		locker = engine.Cache
	}

	rebuildCfg := jobs.DefaultRebuildLeaderboardConfig()
	rebuild := jobs.NewRebuildLeaderboardJob(engine.Store, engine.Board, locker, engine.Bus, log, rebuildCfg)
	every := scheduler.StartImmediately(scheduler.NewIntervalSchedule(cfg.Scheduler.RebuildLeaderboardInterval))
	if err := sched.Register(rebuild, every); err != nil {
		return fmt.Errorf("register %s: %w", rebuild.Name(), err)
	}

	if !cfg.Features.Enabled(config.FeatureDriftReconciliation) {
		log.Warn("drift reconciliation disabled by feature flag")
		return nil
	}
	cron, err := scheduler.ParseCron(cfg.Scheduler.ReconcileCron)
	if err != nil {
		return fmt.Errorf("parse reconcile cron: %w", err)
	}
	reconcileCfg := jobs.DefaultReconcileAggregatesConfig()
	reconcileCfg.Concurrency = cfg.Scheduler.ReconcileConcurrency
	reconcileCfg.Timeout = cfg.Scheduler.JobTimeout
	reconcile := jobs.NewReconcileAggregatesJob(engine.Ledger, engine.Reconcile, log, reconcileCfg)
	if err := sched.Register(reconcile, cron); err != nil {
		return fmt.Errorf("register %s: %w", reconcile.Name(), err)
	}
	return nil
}
