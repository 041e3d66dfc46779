package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/memory"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/redis"
)

type fixture struct {
	ledger *memory.Ledger
	store  *memory.AggregateStore
	aggs   *aggregate.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := memory.NewLedger(memory.LedgerConfig{})
	store := memory.NewAggregateStore()
	return &fixture{
		ledger: ledger,
		store:  store,
		aggs:   aggregate.NewService(store, ledger, rank.DefaultCalculator(), aggregate.DefaultServiceConfig()),
	}
}

// record appends and folds one policy event.
func (f *fixture) record(t *testing.T, id, user string, typ points.EventType, fold bool) {
	t.Helper()
	ctx := context.Background()
	d, err := points.DefaultPolicy().DeltaFor(typ)
	require.NoError(t, err)
	_, _, err = f.ledger.Append(ctx, &points.Event{ID: id, UserID: user, Type: typ, PCDelta: d.PC, PConDelta: d.PCon})
	require.NoError(t, err)
	if fold {
		_, err = f.aggs.CatchUp(ctx, user)
		require.NoError(t, err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD
// ══════════════════════════════════════════════════════════════════════════════

func leaderboardEntry(user string, pc int64) leaderboard.Entry {
	return leaderboard.Entry{UserID: user, PCPoints: pc, Version: 1}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewCacheFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = cache.Close() })
	return mr, cache
}

func TestRebuildLeaderboard_ReplacesFromStore(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 7; i++ {
		f.record(t, fmt.Sprintf("q%d", i), fmt.Sprintf("u%d", i), points.QuestionCreated, true)
	}
	f.record(t, "a1", "u3", points.AnswerAccepted, true)

	_, cache := newRedis(t)
	board := redis.NewLeaderboardCache(cache)
	_, err := board.Upsert(context.Background(), leaderboardEntry("stale", 1000))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	job := NewRebuildLeaderboardJob(f.store, board, cache, pub, nil, RebuildLeaderboardConfig{PageSize: 3})
	require.NoError(t, job.Run(context.Background()))

	page, err := board.Page(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 7)
	assert.Equal(t, "u3", page.Entries[0].UserID)
	assert.Equal(t, int64(30), page.Entries[0].PCPoints)
	assert.Equal(t, "u0", page.Entries[1].UserID, "ties break on user id")

	stats := job.LastRebuildStats()
	require.NotNil(t, stats)
	assert.Equal(t, 7, stats.Entries)
	assert.False(t, stats.Skipped)
	assert.Equal(t, []shared.EventType{shared.EventLeaderboardRebuilt}, pub.types())

	// The lock was released.
	_, ok, err := cache.TryLock(context.Background(), job.Name(), "other-owner", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRebuildLeaderboard_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.record(t, "q1", "u1", points.QuestionCreated, true)

	_, cache := newRedis(t)
	_, ok, err := cache.TryLock(context.Background(), "rebuild_leaderboard", "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	board := memory.NewLeaderboardCache()
	job := NewRebuildLeaderboardJob(f.store, board, cache, nil, nil, DefaultRebuildLeaderboardConfig())
	require.NoError(t, job.Run(context.Background()))

	assert.True(t, job.LastRebuildStats().Skipped)
	n, err := board.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingStore struct{ aggregate.Store }

func (failingStore) List(context.Context, string, int) ([]*aggregate.Aggregate, error) {
	return nil, errors.New("db down")
}

func TestRebuildLeaderboard_StoreFailureKeepsCache(t *testing.T) {
	board := memory.NewLeaderboardCache()
	_, err := board.Upsert(context.Background(), leaderboardEntry("u1", 5))
	require.NoError(t, err)

	job := NewRebuildLeaderboardJob(failingStore{}, board, nil, nil, nil, DefaultRebuildLeaderboardConfig())
	assert.ErrorContains(t, job.Run(context.Background()), "db down")

	n, err := board.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE AGGREGATES
// ══════════════════════════════════════════════════════════════════════════════

func TestReconcileAggregates_CorrectsDrift(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.record(t, fmt.Sprintf("q%d", i), fmt.Sprintf("u%02d", i), points.QuestionCreated, true)
	}
	// Appended but never folded: lagging, not drift.
	f.record(t, "late", "u00", points.AnswerValidated, false)
	// Ledger activity without any stored aggregate.
	f.record(t, "orphan", "zz", points.QuestionCreated, false)
	f.store.Corrupt("u07", 999, 0)
	f.store.Corrupt("u19", 0, 0)

	pub := &recordingPublisher{}
	reconciler := command.NewReconcileUserHandler(f.aggs, pub, nil, nil)
	job := NewReconcileAggregatesJob(f.ledger, reconciler, nil, ReconcileAggregatesConfig{Concurrency: 4, PageSize: 10})
	require.NoError(t, job.Run(context.Background()))

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, int64(26), stats.Users)
	assert.Equal(t, int64(3), stats.Corrected, "two corrupted plus the missing aggregate")
	assert.Zero(t, stats.Failed)

	for _, u := range []string{"u07", "u19", "zz"} {
		agg, err := f.aggs.Get(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, int64(5), agg.PCPoints, u)
		assert.Equal(t, int64(2), agg.PConPoints, u)
	}
	agg, err := f.aggs.Get(context.Background(), "u00")
	require.NoError(t, err)
	assert.Equal(t, int64(5+10), agg.PCPoints)

	drift := 0
	for _, typ := range pub.types() {
		if typ == shared.EventAggregateDriftCorrected {
			drift++
		}
	}
	assert.Equal(t, 3, drift)
}

type flakyReconciler struct {
	fail string
	mu   sync.Mutex
	seen []string
}

func (r *flakyReconciler) Handle(_ context.Context, cmd command.ReconcileUserCommand) (*aggregate.ReconcileResult, error) {
	r.mu.Lock()
	r.seen = append(r.seen, cmd.UserID)
	r.mu.Unlock()
	if cmd.UserID == r.fail {
		return nil, shared.ErrLedgerWrite
	}
	return &aggregate.ReconcileResult{}, nil
}

func TestReconcileAggregates_OneFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"a", "b", "c", "d"} {
		f.record(t, "q-"+u, u, points.QuestionCreated, false)
	}

	r := &flakyReconciler{fail: "b"}
	job := NewReconcileAggregatesJob(f.ledger, r, nil, ReconcileAggregatesConfig{Concurrency: 2, PageSize: 2})
	err := job.Run(context.Background())
	assert.ErrorContains(t, err, "1 of 4 users")

	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, r.seen)
	assert.Equal(t, int64(1), job.LastStats().Failed)
}
