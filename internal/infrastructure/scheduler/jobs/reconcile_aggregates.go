package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE AGGREGATES JOB
// ══════════════════════════════════════════════════════════════════════════════

// Reconciler is satisfied by *command.ReconcileUserHandler.
type Reconciler interface {
	Handle(ctx context.Context, cmd command.ReconcileUserCommand) (*aggregate.ReconcileResult, error)
}

// ReconcileAggregatesJob replays the ledger of every user with activity and
// corrects drifted aggregates. Users are processed in bounded parallel.
type ReconcileAggregatesJob struct {
	ledger     points.Ledger
	reconciler Reconciler
	logger     *slog.Logger
	config     ReconcileAggregatesConfig

	lastStats atomic.Pointer[ReconcileStats]
}

// ReconcileAggregatesConfig contains configuration for the sweep.
type ReconcileAggregatesConfig struct {
	// Concurrency is how many users are reconciled at once.
	Concurrency int

	// PageSize is how many user ids are read per ledger call.
	PageSize int

	// Timeout bounds one sweep; zero means no bound.
	Timeout time.Duration
}

// DefaultReconcileAggregatesConfig returns sensible defaults.
func DefaultReconcileAggregatesConfig() ReconcileAggregatesConfig {
	return ReconcileAggregatesConfig{
		Concurrency: 8,
		PageSize:    500,
		Timeout:     30 * time.Minute,
	}
}

// ReconcileStats summarises one sweep.
type ReconcileStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Users     int64
	Corrected int64
	Failed    int64
}

// NewReconcileAggregatesJob creates the sweep.
func NewReconcileAggregatesJob(ledger points.Ledger, reconciler Reconciler, l *slog.Logger, config ReconcileAggregatesConfig) *ReconcileAggregatesJob {
	defaults := DefaultReconcileAggregatesConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	return &ReconcileAggregatesJob{
		ledger:     ledger,
		reconciler: reconciler,
		logger:     logger.OrDefault(l).With(logger.Component("reconcile_aggregates")),
		config:     config,
	}
}

// Name returns the job name.
func (j *ReconcileAggregatesJob) Name() string { return "reconcile_aggregates" }

// Description returns a human-readable description.
func (j *ReconcileAggregatesJob) Description() string {
	return "Replays every user's ledger and corrects drifted aggregates"
}

// Run sweeps all users. A failure for one user is logged and counted; the
// sweep carries on and reports an error at the end.
func (j *ReconcileAggregatesJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	stats := &ReconcileStats{StartedAt: time.Now()}
	var users, corrected, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	after := ""
	var listErr error
pages:
	for {
		ids, err := j.ledger.Users(gctx, after, j.config.PageSize)
		if err != nil {
			listErr = fmt.Errorf("list ledger users after %q: %w", after, err)
			break
		}
		for _, id := range ids {
			if gctx.Err() != nil {
				break pages
			}
			g.Go(func() error {
				users.Add(1)
				res, err := j.reconciler.Handle(gctx, command.ReconcileUserCommand{UserID: id})
				if err != nil {
					failed.Add(1)
					j.logger.Error("reconcile failed", logger.UserID(id), logger.Err(err))
					return nil
				}
				if res.Corrected {
					corrected.Add(1)
				}
				return nil
			})
		}
		if len(ids) < j.config.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}
	_ = g.Wait()

	stats.Duration = time.Since(stats.StartedAt)
	stats.Users, stats.Corrected, stats.Failed = users.Load(), corrected.Load(), failed.Load()
	j.lastStats.Store(stats)

	j.logger.Info("reconciliation sweep finished",
		slog.Int64("users", stats.Users),
		slog.Int64("corrected", stats.Corrected),
		slog.Int64("failed", stats.Failed),
		logger.Latency(stats.Duration),
	)

	switch {
	case listErr != nil:
		return listErr
	case ctx.Err() != nil:
		return ctx.Err()
	case stats.Failed > 0:
		return fmt.Errorf("reconcile failed for %d of %d users", stats.Failed, stats.Users)
	}
	return nil
}

// LastStats returns the last sweep's statistics.
func (j *ReconcileAggregatesJob) LastStats() *ReconcileStats {
	return j.lastStats.Load()
}
