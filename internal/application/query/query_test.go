package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/memory"
	"github.com/qahub/reputation-engine/pkg/logger"
)

type fixture struct {
	ledger *memory.Ledger
	store  *memory.AggregateStore
	aggs   *aggregate.Service
	board  *memory.LeaderboardCache
	record *command.RecordEventHandler
}

func newFixture() *fixture {
	f := &fixture{
		ledger: memory.NewLedger(memory.LedgerConfig{}),
		store:  memory.NewAggregateStore(),
		board:  memory.NewLeaderboardCache(),
	}
	f.aggs = aggregate.NewService(f.store, f.ledger, rank.DefaultCalculator(), aggregate.DefaultServiceConfig())
	f.record = command.NewRecordEventHandler(f.ledger, points.DefaultPolicy(), f.aggs, shared.NoopPublisher{}, command.RecordEventHandlerConfig{})
	return f
}

func (f *fixture) ask(t *testing.T, eventID, user string) {
	t.Helper()
	_, err := f.record.Handle(context.Background(), command.RecordEventCommand{
		EventID: eventID, UserID: user, EventType: string(points.QuestionCreated),
	})
	require.NoError(t, err)
}

// brokenCache fails every read, standing in for a Redis outage.
type brokenCache struct{ leaderboard.Cache }

var errCacheDown = errors.New("cache down")

func (brokenCache) Count(context.Context) (int64, error) { return 0, errCacheDown }

func (brokenCache) Position(context.Context, string) (leaderboard.Entry, error) {
	return leaderboard.Entry{}, errCacheDown
}

// ─────────────────────────────────────────────────────────────────────────────
// getUserStats
// ─────────────────────────────────────────────────────────────────────────────

func TestGetUserStats_UnknownUserIsZero(t *testing.T) {
	f := newFixture()
	h := NewGetUserStatsHandler(f.aggs, f.board, logger.Discard())

	stats, err := h.Handle(context.Background(), GetUserStatsQuery{UserID: "ghost"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats.PCPoints)
	assert.Equal(t, int64(0), stats.PConPoints)
	assert.Equal(t, "Iniciante", stats.Rank)
	assert.Empty(t, stats.Achievements)
	assert.NotNil(t, stats.Achievements)
	require.NotNil(t, stats.NextTier)
	assert.Equal(t, NextTierDTO{Name: "Colaborador", PCNeeded: 50, PConNeeded: 25}, *stats.NextTier)
	assert.Zero(t, stats.Position)
}

func TestGetUserStats_BalancesGapAndPosition(t *testing.T) {
	f := newFixture()
	f.ask(t, "q-1", "ana")

	agg, err := f.aggs.Get(context.Background(), "ana")
	require.NoError(t, err)
	_, err = f.board.Upsert(context.Background(), leaderboard.EntryFromAggregate(agg))
	require.NoError(t, err)

	h := NewGetUserStatsHandler(f.aggs, f.board, logger.Discard())
	stats, err := h.Handle(context.Background(), GetUserStatsQuery{UserID: "ana"})
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.PCPoints)
	assert.Equal(t, int64(2), stats.PConPoints)
	assert.Equal(t, NextTierDTO{Name: "Colaborador", PCNeeded: 45, PConNeeded: 23}, *stats.NextTier)
	assert.Equal(t, 1, stats.Position)
}

func TestGetUserStats_BoardOutageKeepsBalances(t *testing.T) {
	f := newFixture()
	f.ask(t, "q-1", "ana")

	h := NewGetUserStatsHandler(f.aggs, brokenCache{}, logger.Discard())
	stats, err := h.Handle(context.Background(), GetUserStatsQuery{UserID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.PCPoints)
	assert.Zero(t, stats.Position)
}

func TestGetUserStats_RequiresUser(t *testing.T) {
	h := NewGetUserStatsHandler(newFixture().aggs, nil, nil)
	_, err := h.Handle(context.Background(), GetUserStatsQuery{})
	assert.ErrorIs(t, err, shared.ErrUserIDRequired)
}

// ─────────────────────────────────────────────────────────────────────────────
// getLeaderboard
// ─────────────────────────────────────────────────────────────────────────────

func TestGetLeaderboard_ReadsCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.board.Replace(ctx, []leaderboard.Entry{
		{UserID: "bob", PCPoints: 10, PConPoints: 1},
		{UserID: "ana", PCPoints: 10, PConPoints: 1},
		{UserID: "cid", PCPoints: 10, PConPoints: 4},
	}))

	h := NewGetLeaderboardHandler(f.board, f.store, logger.Discard())
	res, err := h.Handle(ctx, GetLeaderboardQuery{})
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.Equal(t, leaderboard.DefaultLimit, res.Limit)
	assert.Equal(t, int64(3), res.Total)
	assert.False(t, res.HasMore)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, []string{"cid", "ana", "bob"}, []string{res.Entries[0].UserID, res.Entries[1].UserID, res.Entries[2].UserID})
	assert.Equal(t, []int{1, 2, 3}, []int{res.Entries[0].Position, res.Entries[1].Position, res.Entries[2].Position})
}

func TestGetLeaderboard_FallsBackToStore(t *testing.T) {
	f := newFixture()
	f.ask(t, "q-1", "ana")
	f.ask(t, "q-2", "bob")
	f.ask(t, "q-3", "bob")

	for _, cache := range []leaderboard.Cache{brokenCache{}, f.board} {
		h := NewGetLeaderboardHandler(cache, f.store, logger.Discard())
		res, err := h.Handle(context.Background(), GetLeaderboardQuery{Limit: 1})
		require.NoError(t, err)

		assert.False(t, res.FromCache)
		assert.Equal(t, int64(2), res.Total)
		assert.True(t, res.HasMore)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "bob", res.Entries[0].UserID)
		assert.Equal(t, int64(10), res.Entries[0].PCPoints)
	}
}

func TestGetLeaderboard_Paging(t *testing.T) {
	f := newFixture()
	h := NewGetLeaderboardHandler(f.board, nil, logger.Discard())

	_, err := h.Handle(context.Background(), GetLeaderboardQuery{Offset: -1})
	assert.True(t, shared.IsValidation(err))

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, leaderboard.MaxLimit, res.Limit)
	assert.Empty(t, res.Entries)

	_, err = NewGetLeaderboardHandler(brokenCache{}, nil, logger.Discard()).Handle(context.Background(), GetLeaderboardQuery{})
	assert.ErrorIs(t, err, errCacheDown)
}

// ─────────────────────────────────────────────────────────────────────────────
// getAchievementCatalog
// ─────────────────────────────────────────────────────────────────────────────

func TestGetAchievementCatalog(t *testing.T) {
	catalog := achievement.DefaultCatalog()
	list := NewGetAchievementCatalogHandler(catalog).Handle(context.Background())

	require.Len(t, list, catalog.Len())
	assert.Equal(t, "first_question", list[0].ID)
	assert.Equal(t, "beginner", list[0].Category)
	assert.NotEmpty(t, list[0].Name)
}

func TestGetAchievementProgress(t *testing.T) {
	f := newFixture()
	f.ask(t, "q-1", "ana")

	repo := memory.NewAchievementRepository()
	cfg := achievement.DefaultEvaluatorConfig()
	cfg.Notify = false
	eval, err := achievement.NewEvaluator(achievement.DefaultCatalog(), f.aggs, f.ledger, repo, nil, cfg)
	require.NoError(t, err)
	_, err = eval.Evaluate(context.Background(), "ana")
	require.NoError(t, err)

	h := NewGetAchievementProgressHandler(eval)
	progress, err := h.Handle(context.Background(), GetAchievementProgressQuery{UserID: "ana", Category: "beginner"})
	require.NoError(t, err)
	require.NotEmpty(t, progress)

	for _, p := range progress {
		assert.Equal(t, "beginner", p.Achievement.Category)
	}
	first := progress[0]
	assert.Equal(t, "first_question", first.Achievement.ID)
	assert.True(t, first.Earned)
	assert.Equal(t, float64(100), first.Percentage)
	assert.NotEmpty(t, first.EarnedAt)

	_, err = h.Handle(context.Background(), GetAchievementProgressQuery{})
	assert.ErrorIs(t, err, shared.ErrUserIDRequired)
}
