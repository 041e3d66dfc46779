// Package main is the reputation engine service: it consumes point-bearing
// actions from Kafka, serves the JSON API and keeps the leaderboard cache warm
// through incremental updates.
//
// Layout:
// - Domain: ledger, aggregates, ranks, achievements, leaderboard ordering
// - Application: commands (recordEvent, adjustPoints) and queries
// - Infrastructure: Postgres, Redis, Kafka, metrics
// - Interface: HTTP API and health checks
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/qahub/reputation-engine/config"
	"github.com/qahub/reputation-engine/internal/bootstrap"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging/kafka"
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

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat,
		slog.String("service", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("env", string(cfg.App.Environment)),
	)
	log.Info("starting reputation engine",
		"rank_table", cfg.Engine.RankTable,
		"rank_gate", cfg.Engine.RankGate,
		"kafka_disabled", cfg.Kafka.Disabled,
		"redis_disabled", cfg.Redis.Disabled,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ENGINE (storage, cache, bus, evaluator, handlers)
	// ─────────────────────────────────────────────────────────────────────────
	engine, err := bootstrap.New(ctx, cfg, log, bootstrap.Options{
		AsyncBus: true,
		Notify:   true,
		Migrate:  true,
	})
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
	// 4. ACTIONS CONSUMER
	// ─────────────────────────────────────────────────────────────────────────
	var consumer *kafka.Consumer
	if !cfg.Kafka.Disabled {
		opts := []kafka.ConsumerOption{kafka.WithConsumerLogger(log)}
		if engine.Metrics != nil {
			opts = append(opts, kafka.WithConsumerObserver(engine.Metrics))
		}
		consumer, err = kafka.NewConsumer(bootstrap.KafkaConfig(cfg), engine.RecordEvent, engine.AdjustPoints, opts...)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	var server *httpserver.Server
	if cfg.HTTP.Enabled {
		httpCfg := httpserver.DefaultConfig()
		httpCfg.Host = cfg.HTTP.Host
		httpCfg.Port = cfg.HTTP.Port
		httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
		httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
		httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute

		deps := httpserver.Dependencies{
			RecordEvent:       engine.RecordEvent,
			AdjustPoints:      engine.AdjustPoints,
			CheckAchievements: engine.CheckAchievements,
			UserStats:         engine.UserStats,
			Leaderboard:       engine.Leaderboard,
			Catalog:           engine.Catalog,
			Progress:          engine.Progress,
			Health:            engine.Health,
			Logger:            log,
		}
		if engine.Metrics != nil {
			deps.Metrics = engine.Metrics.Handler()
		}
		server = httpserver.NewServer(httpCfg, deps)
	}

	if consumer == nil && server == nil {
		return errors.New("nothing to run: both Kafka and HTTP are disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. RUN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if consumer != nil {
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}
	if server != nil {
		g.Go(func() error {
			if err := server.Start(); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown", "timeout", cfg.App.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop http server: %w", err))
			}
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close kafka consumer: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	log.Info("reputation engine is running", "http_enabled", server != nil, "consumer_enabled", consumer != nil)

	if err := g.Wait(); err != nil {
		log.Error("shutdown completed with errors", logger.Err(err))
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}
