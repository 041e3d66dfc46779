package service

import (
	"context"
	"errors"

	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
)

// GuardedLeaderboard puts a circuit breaker in front of a remote leaderboard
// cache. While the breaker is open every call fails immediately; the query
// side then serves from the aggregate store and the scheduled rebuild
// restores the cache once it is reachable again.
type GuardedLeaderboard struct {
	cache   leaderboard.Cache
	breaker *circuitbreaker.CircuitBreaker
}

var _ leaderboard.Cache = (*GuardedLeaderboard)(nil)

// NewGuardedLeaderboard wraps cache with breaker.
func NewGuardedLeaderboard(cache leaderboard.Cache, breaker *circuitbreaker.CircuitBreaker) *GuardedLeaderboard {
	return &GuardedLeaderboard{cache: cache, breaker: breaker}
}

// isCacheFailure excludes answers that are not outages from the breaker's
// failure count.
func isCacheFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, shared.ErrNotRanked) &&
		!errors.Is(err, shared.ErrInvalidPageParams) &&
		!errors.Is(err, context.Canceled)
}

// NewCacheBreaker returns the leaderboard preset with outage-only failure
// accounting.
func NewCacheBreaker(onStateChange func(name string, from, to circuitbreaker.State), opts ...circuitbreaker.Option) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.CacheBreaker(onStateChange, append([]circuitbreaker.Option{circuitbreaker.WithIsFailure(isCacheFailure)}, opts...)...)
}

// Upsert implements leaderboard.Cache.
func (g *GuardedLeaderboard) Upsert(ctx context.Context, e leaderboard.Entry) (bool, error) {
	var applied bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		applied, err = g.cache.Upsert(ctx, e)
		return err
	})
	return applied, err
}

// Page implements leaderboard.Cache.
func (g *GuardedLeaderboard) Page(ctx context.Context, offset, limit int) (*leaderboard.Page, error) {
	var page *leaderboard.Page
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		page, err = g.cache.Page(ctx, offset, limit)
		return err
	})
	return page, err
}

// Position implements leaderboard.Cache.
func (g *GuardedLeaderboard) Position(ctx context.Context, userID string) (leaderboard.Entry, error) {
	var entry leaderboard.Entry
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		entry, err = g.cache.Position(ctx, userID)
		return err
	})
	return entry, err
}

// Replace implements leaderboard.Cache.
func (g *GuardedLeaderboard) Replace(ctx context.Context, entries []leaderboard.Entry) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.cache.Replace(ctx, entries)
	})
}

// Count implements leaderboard.Cache.
func (g *GuardedLeaderboard) Count(ctx context.Context) (int64, error) {
	var n int64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.cache.Count(ctx)
		return err
	})
	return n, err
}
