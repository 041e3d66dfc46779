// Package bootstrap assembles the engine from configuration. The engine
// binary, the worker and the CLI share it so that all three see the same
// ledger, aggregate store, leaderboard cache and policy tables.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qahub/reputation-engine/config"
	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/application/eventhandler"
	"github.com/qahub/reputation-engine/internal/application/query"
	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/internal/infrastructure/auth"
	"github.com/qahub/reputation-engine/internal/infrastructure/external/webhook"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging"
	"github.com/qahub/reputation-engine/internal/infrastructure/messaging/kafka"
	"github.com/qahub/reputation-engine/internal/infrastructure/metrics"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/memory"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/postgres"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/redis"
	"github.com/qahub/reputation-engine/internal/infrastructure/service"
	"github.com/qahub/reputation-engine/internal/interface/http/health"
	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "reputation"

// Options select which parts of the engine a binary needs.
type Options struct {
	// AsyncBus runs event handlers on worker goroutines. The CLI runs them
	// inline so a command has finished its side effects when it returns.
	AsyncBus bool

	// Notify starts the unlock notification dispatcher and its sinks.
	Notify bool

	// Migrate applies pending schema migrations on connect.
	Migrate bool
}

// Engine is the assembled core.
type Engine struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics // nil when metrics are disabled
	Policy  *config.Policy

	// Storage
	DB           *postgres.Connection // nil in memory mode
	Cache        *redis.Cache         // nil when Redis is disabled
	Ledger       points.Ledger
	Store        aggregate.Store
	Achievements achievement.Repository
	Board        leaderboard.Cache

	// Domain services
	Aggregates *aggregate.Service
	Evaluator  *achievement.Evaluator
	Bus        *messaging.InMemoryEventBus
	Dispatcher *messaging.Dispatcher // nil unless Options.Notify

	// Commands
	RecordEvent       *command.RecordEventHandler
	AdjustPoints      *command.AdjustPointsHandler
	Reconcile         *command.ReconcileUserHandler
	CheckAchievements *command.CheckAchievementsHandler

	// Queries
	UserStats   *query.GetUserStatsHandler
	Leaderboard *query.GetLeaderboardHandler
	Catalog     *query.GetAchievementCatalogHandler
	Progress    *query.GetAchievementProgressHandler

	Health *health.Checker

	closers []func(context.Context) error
}

// New connects storage and wires every component. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (_ *Engine, err error) {
	if cfg.Features == nil {
		cfg.Features = config.NewFeatureFlags()
	}
	e := &Engine{
		Config: cfg,
		Logger: logger.OrDefault(log),
		Health: health.NewChecker(cfg.App.Version),
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Policy and metrics
	// ─────────────────────────────────────────────────────────────────────────
	if e.Policy, err = config.LoadPolicy(cfg.Engine); err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if cfg.Observability.MetricsEnabled {
		if e.Metrics, err = metrics.New(MetricsNamespace, nil); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	ports := e.observers()

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	if err := e.openStorage(ctx, opts); err != nil {
		return nil, err
	}
	if err := e.openCache(ctx); err != nil {
		return nil, err
	}

	e.Aggregates = aggregate.NewService(e.Store, e.Ledger, e.Policy.Ranks, aggregate.ServiceConfig{
		MaxAttempts: cfg.Engine.ApplyMaxAttempts,
		Logger:      e.Logger,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Event bus and notifications
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.AsyncMode = opts.AsyncBus
	busCfg.WorkerPoolSize = cfg.Engine.EventBusWorkers
	busCfg.Logger = e.Logger
	busCfg.Observer = ports.bus
	e.Bus = messaging.NewInMemoryEventBus(busCfg)
	e.closers = append(e.closers, func(context.Context) error { return e.Bus.Close() })

	var notifier achievement.Notifier = achievement.NotifierFunc(func(context.Context, string, string) error { return nil })
	if opts.Notify {
		sink, err := e.notificationSink()
		if err != nil {
			return nil, err
		}
		e.Dispatcher = messaging.NewDispatcher(sink, messaging.DispatcherConfig{
			Workers:             cfg.Engine.NotifyWorkers,
			QueueSize:           cfg.Engine.NotifyQueueSize,
			DeadLetterQueueSize: cfg.Engine.NotifyQueueSize,
			Logger:              e.Logger,
			Observer:            ports.dispatcher,
		})
		e.Dispatcher.Start()
		e.closers = append(e.closers, e.Dispatcher.Stop)
		notifier = e.Dispatcher
	}

	evalCfg := achievement.DefaultEvaluatorConfig()
	if cfg.Engine.UnlockCacheSize > 0 {
		evalCfg.CacheSize = cfg.Engine.UnlockCacheSize
	}
	evalCfg.Notify = opts.Notify && cfg.Features.Enabled(config.FeatureAchievementNotifications)
	evalCfg.Logger = e.Logger
	evalCfg.OnNotifyError = func(userID, achievementID string, err error) {
		e.Logger.Warn("unlock notification not queued",
			logger.UserID(userID), logger.AchievementID(achievementID), logger.Err(err))
	}
	if e.Evaluator, err = achievement.NewEvaluator(achievement.DefaultCatalog(), e.Aggregates, e.Ledger, e.Achievements, notifier, evalCfg); err != nil {
		return nil, fmt.Errorf("create evaluator: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Application layer
	// ─────────────────────────────────────────────────────────────────────────
	e.RecordEvent = command.NewRecordEventHandler(e.Ledger, e.Policy.Points, e.Aggregates, e.Bus,
		command.RecordEventHandlerConfig{Logger: e.Logger, Metrics: ports.command})
	e.AdjustPoints = command.NewAdjustPointsHandler(e.Ledger, e.Aggregates,
		auth.New(cfg.Auth.AdminActorIDs, cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), e.Bus,
		command.AdjustPointsHandlerConfig{Logger: e.Logger, Metrics: ports.command})
	e.Reconcile = command.NewReconcileUserHandler(e.Aggregates, e.Bus, ports.command, e.Logger)
	e.CheckAchievements = command.NewCheckAchievementsHandler(e.Evaluator, e.Ledger, e.Bus, e.Logger)

	e.UserStats = query.NewGetUserStatsHandler(e.Aggregates, e.Board, e.Logger)
	e.Leaderboard = query.NewGetLeaderboardHandler(e.Board, e.Store, e.Logger)
	e.Catalog = query.NewGetAchievementCatalogHandler(e.Evaluator.Catalog())
	e.Progress = query.NewGetAchievementProgressHandler(e.Evaluator)

	onApplied := eventhandler.NewOnPointsAppliedHandler(e.Evaluator, e.Aggregates, e.Board, e.Bus,
		cfg.Features, e.Logger, eventhandler.DefaultPointsAppliedConfig())
	if err := e.Bus.Subscribe(shared.EventPointsApplied, onApplied.Handle); err != nil {
		return nil, fmt.Errorf("subscribe points handler: %w", err)
	}
	if err := e.Bus.Subscribe(shared.EventRankChanged, e.logRankChange); err != nil {
		return nil, fmt.Errorf("subscribe rank handler: %w", err)
	}

	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// BreakerHook logs breaker transitions and exports them as a gauge.
func (e *Engine) BreakerHook(name string, from, to circuitbreaker.State) {
	e.Logger.Warn("circuit breaker state changed",
		slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
	if e.Metrics != nil {
		e.Metrics.BreakerStateChanged(name, from, to)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// observerPorts holds the metrics ports as interfaces that stay nil when
// metrics are off, so every consumer falls back to its no-op.
type observerPorts struct {
	command    command.Metrics
	bus        messaging.Observer
	dispatcher messaging.DispatcherObserver
}

func (e *Engine) observers() observerPorts {
	if e.Metrics == nil {
		return observerPorts{}
	}
	return observerPorts{command: e.Metrics, bus: e.Metrics, dispatcher: e.Metrics}
}

func (e *Engine) openStorage(ctx context.Context, opts Options) error {
	cfg := e.Config
	oneLogin := cfg.Engine.DailyLoginOncePerDay && cfg.Features.Enabled(config.FeatureDailyLoginGuard)

	if cfg.Database.URL == "" {
		e.Logger.Warn("DATABASE_URL not set, using in-memory storage")
		e.Ledger = memory.NewLedger(memory.LedgerConfig{OneLoginPerDay: oneLogin})
		e.Store = memory.NewAggregateStore()
		e.Achievements = memory.NewAchievementRepository()
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	pgCfg.MinConns = int32(cfg.Database.MaxIdleConns)
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	conn, err := postgres.Open(ctx, cfg.Database.URL, pgCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	e.DB = conn
	e.closers = append(e.closers, func(context.Context) error { conn.Close(); return nil })
	e.Health.Add("postgres", health.PingCheck(conn))
	e.Health.AddOptional("postgres_pool", conn.CheckSaturation)

	if opts.Migrate {
		if err := postgres.NewMigrator(conn.Pool()).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	ledgerCfg := postgres.DefaultLedgerConfig()
	ledgerCfg.OneLoginPerDay = oneLogin
	e.Ledger = postgres.NewLedgerRepository(conn.Pool(), ledgerCfg)
	e.Store = postgres.NewAggregateRepository(conn.Pool())
	e.Achievements = postgres.NewAchievementRepository(conn.Pool())
	return nil
}

func (e *Engine) openCache(ctx context.Context) error {
	cfg := e.Config.Redis
	if cfg.Disabled {
		e.Logger.Warn("Redis disabled, leaderboard served from process memory")
		e.Board = memory.NewLeaderboardCache()
		return nil
	}

	rc := redis.DefaultConfig()
	rc.URL = cfg.URL
	rc.Host = cfg.Host
	rc.Port = cfg.Port
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.PoolSize = cfg.PoolSize
	rc.MinIdleConns = cfg.MinIdleConns
	rc.DialTimeout = cfg.DialTimeout
	rc.ReadTimeout = cfg.ReadTimeout
	rc.WriteTimeout = cfg.WriteTimeout

	cache, err := redis.NewCache(rc)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	e.Cache = cache
	e.closers = append(e.closers, func(context.Context) error { return cache.Close() })
	// The leaderboard degrades to the aggregate store without Redis.
	e.Health.AddOptional("redis", health.PingCheck(cache))

	e.Board = service.NewGuardedLeaderboard(redis.NewLeaderboardCache(cache), service.NewCacheBreaker(e.BreakerHook))
	return nil
}

// notificationSink assembles the configured outbound sinks, each behind its
// own breaker. With no external sink configured unlocks are only logged.
func (e *Engine) notificationSink() (achievement.Notifier, error) {
	var sinks service.FanoutNotifier

	if e.Cache != nil && e.Config.Redis.NotifyChannel != "" {
		rn := service.NewRedisNotifier(e.Cache, e.Config.Redis.NotifyChannel)
		sinks = append(sinks, service.NewGuardedNotifier(rn, circuitbreaker.NotifierBreaker("redis", e.BreakerHook)))
	}

	if !e.Config.Kafka.Disabled && e.Config.Kafka.NotificationsTopic != "" {
		producer, err := kafka.NewProducer(KafkaConfig(e.Config))
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		e.closers = append(e.closers, func(context.Context) error { return producer.Close() })
		sinks = append(sinks, service.NewGuardedNotifier(producer, circuitbreaker.NotifierBreaker("kafka", e.BreakerHook)))
	}

	if wc := e.Config.Webhook; wc.URL != "" {
		hookCfg := webhook.DefaultClientConfig(wc.URL)
		hookCfg.Secret = wc.Secret
		hookCfg.Timeout = wc.Timeout
		hookCfg.RateLimiterConfig.RequestsPerSecond = wc.RatePerSecond
		hookCfg.RateLimiterConfig.BurstSize = wc.Burst
		hookCfg.Logger = e.Logger
		client, err := webhook.NewClient(hookCfg)
		if err != nil {
			return nil, fmt.Errorf("create webhook client: %w", err)
		}
		sinks = append(sinks, service.NewGuardedNotifier(client, circuitbreaker.NotifierBreaker("webhook", e.BreakerHook)))
	}

	switch len(sinks) {
	case 0:
		return service.NewLogNotifier(e.Logger), nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func (e *Engine) logRankChange(ev shared.Event) error {
	if rc, ok := ev.(shared.RankChangedEvent); ok {
		e.Logger.Info("rank changed",
			logger.UserID(rc.UserID), slog.String("from", rc.OldRank), slog.String("to", rc.NewRank))
	}
	return nil
}

// KafkaConfig maps application config onto the broker client config.
func KafkaConfig(cfg *config.Config) kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Brokers = cfg.Kafka.Brokers
	kc.ClientID = cfg.Kafka.ClientID
	kc.ActionsTopic = cfg.Kafka.ActionsTopic
	kc.ConsumerGroup = cfg.Kafka.ConsumerGroup
	kc.NotificationsTopic = cfg.Kafka.NotificationsTopic
	return kc
}
