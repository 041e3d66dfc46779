// Package jobs contains the engine's scheduled maintenance jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// Locker serializes a job across processes. *redis.Cache implements it.
type Locker interface {
	TryLock(ctx context.Context, resource, token string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// RebuildLeaderboardJob recomputes the whole leaderboard from the aggregate
// store and swaps it into the cache. Incremental upserts keep the cache
// current between runs; this sweep repairs anything they missed.
type RebuildLeaderboardJob struct {
	store     aggregate.Store
	cache     leaderboard.Cache
	locker    Locker
	publisher shared.EventPublisher
	logger    *slog.Logger
	config    RebuildLeaderboardConfig

	lastRebuildStats atomic.Pointer[RebuildStats]
}

// RebuildLeaderboardConfig contains configuration for the rebuild job.
type RebuildLeaderboardConfig struct {
	// PageSize is how many aggregates are read per store call.
	PageSize int

	// LockTTL bounds how long another instance is kept out if this one dies
	// mid-rebuild.
	LockTTL time.Duration

	// Timeout is the maximum duration for the rebuild operation.
	Timeout time.Duration
}

// DefaultRebuildLeaderboardConfig returns sensible defaults.
func DefaultRebuildLeaderboardConfig() RebuildLeaderboardConfig {
	return RebuildLeaderboardConfig{
		PageSize: 500,
		LockTTL:  2 * time.Minute,
		Timeout:  5 * time.Minute,
	}
}

// RebuildStats contains statistics from a rebuild run.
type RebuildStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Entries     int
	Skipped     bool
}

// NewRebuildLeaderboardJob creates a new rebuild leaderboard job. locker and
// publisher may be nil.
func NewRebuildLeaderboardJob(
	store aggregate.Store,
	cache leaderboard.Cache,
	locker Locker,
	publisher shared.EventPublisher,
	l *slog.Logger,
	config RebuildLeaderboardConfig,
) *RebuildLeaderboardJob {
	defaults := DefaultRebuildLeaderboardConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if publisher == nil {
		publisher = shared.NoopPublisher{}
	}
	return &RebuildLeaderboardJob{
		store:     store,
		cache:     cache,
		locker:    locker,
		publisher: publisher,
		logger:    logger.OrDefault(l).With(logger.Component("rebuild_leaderboard")),
		config:    config,
	}
}

// Name returns the job name.
func (j *RebuildLeaderboardJob) Name() string {
	return "rebuild_leaderboard"
}

// Description returns a human-readable description.
func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds the leaderboard cache from the aggregate store"
}

// Run executes the rebuild job. When another instance holds the lock the run
// is skipped and reported as a success.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &RebuildStats{StartedAt: startedAt}

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	if j.locker != nil {
		release, ok, err := j.locker.TryLock(ctx, j.Name(), uuid.NewString(), j.config.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire rebuild lock: %w", err)
		}
		if !ok {
			j.logger.Info("rebuild already running elsewhere, skipping")
			stats.Skipped = true
			stats.CompletedAt = time.Now()
			j.lastRebuildStats.Store(stats)
			return nil
		}
		defer func() {
			// Release even if ctx has expired.
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.logger.Warn("failed to release rebuild lock", logger.Err(err))
			}
		}()
	}

	snapshot, err := j.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := j.cache.Replace(ctx, snapshot.Entries); err != nil {
		return fmt.Errorf("replace leaderboard: %w", err)
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	stats.Entries = len(snapshot.Entries)
	j.lastRebuildStats.Store(stats)

	if err := j.publisher.Publish(shared.NewLeaderboardRebuiltEvent(stats.Entries, stats.Duration)); err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Warn("failed to publish rebuild event", logger.Err(err))
	}
	j.logger.Info("leaderboard rebuilt",
		slog.Int("entries", stats.Entries),
		logger.Latency(stats.Duration),
	)
	return nil
}

// snapshot pages through every stored aggregate.
func (j *RebuildLeaderboardJob) snapshot(ctx context.Context) (*leaderboard.Snapshot, error) {
	b := leaderboard.NewSnapshotBuilder(j.config.PageSize)
	after := ""
	for {
		page, err := j.store.List(ctx, after, j.config.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list aggregates after %q: %w", after, err)
		}
		for _, a := range page {
			b.Add(a)
		}
		if len(page) < j.config.PageSize {
			return b.Build(time.Now()), nil
		}
		after = page[len(page)-1].UserID
	}
}

// LastRebuildStats returns statistics from the last rebuild.
func (j *RebuildLeaderboardJob) LastRebuildStats() *RebuildStats {
	return j.lastRebuildStats.Load()
}
