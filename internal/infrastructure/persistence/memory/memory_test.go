package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_AppendIsIdempotent(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	ctx := context.Background()
	e := &points.Event{ID: "e1", UserID: "u1", Type: points.AnswerAccepted, PCDelta: 25, PConDelta: 5}

	first, inserted, err := l.Append(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), first.Seq)

	again, inserted, err := l.Append(ctx, &points.Event{ID: "e1", UserID: "u1", Type: points.AnswerAccepted, PCDelta: 25, PConDelta: 5})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, l.Len())

	c, err := l.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count(points.AnswerAccepted))
}

func TestLedger_ConcurrentAppendsDenseSeq(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)
		for range 2 {
			go func(i int) {
				defer wg.Done()
				_, _, err := l.Append(ctx, &points.Event{ID: fmt.Sprintf("e%d", i), UserID: "u1", Type: points.UpvoteReceived})
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	events := l.Events("u1")
	require.Len(t, events, 64)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestLedger_ReplayIsLazyAndRestartable(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, _, err := l.Append(ctx, &points.Event{ID: fmt.Sprintf("e%d", i), UserID: "u1", Type: points.QuestionCreated})
		require.NoError(t, err)
	}

	seq := l.Replay(ctx, "u1", 2)
	var got []int64
	for e, err := range seq {
		require.NoError(t, err)
		got = append(got, e.Seq)
		if e.Seq == 3 {
			break
		}
	}
	assert.Equal(t, []int64{3}, got)

	got = got[:0]
	for e, err := range seq {
		require.NoError(t, err)
		got = append(got, e.Seq)
	}
	assert.Equal(t, []int64{3, 4, 5}, got)

	folded, err := points.FoldCounters(ctx, l, "u1")
	require.NoError(t, err)
	stored, err := l.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, stored, folded)
}

func TestLedger_OneLoginPerDay(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	l := NewLedger(LedgerConfig{OneLoginPerDay: true, Now: func() time.Time { return now }})
	ctx := context.Background()

	first, inserted, err := l.Append(ctx, &points.Event{ID: "login-a", UserID: "u1", Type: points.DailyLogin, PCDelta: 1, PConDelta: 1})
	require.NoError(t, err)
	require.True(t, inserted)

	now = now.Add(5 * time.Hour)
	dup, inserted, err := l.Append(ctx, &points.Event{ID: "login-b", UserID: "u1", Type: points.DailyLogin, PCDelta: 1, PConDelta: 1})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, dup.ID)

	now = now.Add(24 * time.Hour)
	_, inserted, err = l.Append(ctx, &points.Event{ID: "login-c", UserID: "u1", Type: points.DailyLogin, PCDelta: 1, PConDelta: 1})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestLedger_UsersPaged(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	ctx := context.Background()
	for _, u := range []string{"c", "a", "b"} {
		_, _, err := l.Append(ctx, &points.Event{ID: "e-" + u, UserID: u, Type: points.DailyLogin})
		require.NoError(t, err)
	}
	users, err := l.Users(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
	users, err = l.Users(ctx, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, users)
}

func TestAggregateStore_CAS(t *testing.T) {
	s := NewAggregateStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "u1")
	assert.ErrorIs(t, err, shared.ErrAggregateNotFound)

	agg := aggregate.New("u1")
	require.NoError(t, s.Save(ctx, agg, 0))
	assert.Equal(t, int64(1), agg.Version)

	stale := aggregate.New("u1")
	assert.ErrorIs(t, s.Save(ctx, stale, 0), shared.ErrVersionConflict)
	assert.Equal(t, int64(0), stale.Version)
}

func TestAchievementRepository_InsertOnce(t *testing.T) {
	r := NewAchievementRepository()
	ctx := context.Background()
	ok, err := r.Insert(ctx, &achievement.Unlock{ID: "1", UserID: "u1", AchievementID: "pc_100"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Insert(ctx, &achievement.Unlock{ID: "2", UserID: "u1", AchievementID: "pc_100"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaderboardCache_IncrementalMatchesRebuild(t *testing.T) {
	c := NewLeaderboardCache()
	ctx := context.Background()

	var all []leaderboard.Entry
	for i := 0; i < 30; i++ {
		e := leaderboard.Entry{UserID: fmt.Sprintf("u%02d", i), PCPoints: int64(i % 7), PConPoints: int64(i % 3), Version: 1}
		all = append(all, e)
		_, err := c.Upsert(ctx, e)
		require.NoError(t, err)
	}
	// move one user up, and offer a stale update that must be ignored
	bumped := leaderboard.Entry{UserID: "u05", PCPoints: 100, Version: 2}
	ok, err := c.Upsert(ctx, bumped)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Upsert(ctx, leaderboard.Entry{UserID: "u05", PCPoints: 1, Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	all[5] = bumped

	page, err := c.Page(ctx, 0, 100)
	require.NoError(t, err)

	rebuilt := NewLeaderboardCache()
	require.NoError(t, rebuilt.Replace(ctx, all))
	want, err := rebuilt.Page(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, want.Entries, page.Entries)
	assert.Equal(t, "u05", page.Entries[0].UserID)

	pos, err := c.Position(ctx, "u05")
	require.NoError(t, err)
	assert.Equal(t, leaderboard.Position(1), pos.Position)

	_, err = c.Position(ctx, "nobody")
	assert.ErrorIs(t, err, shared.ErrNotRanked)

	tail, err := c.Page(ctx, 28, 10)
	require.NoError(t, err)
	assert.Len(t, tail.Entries, 2)
	assert.Equal(t, leaderboard.Position(29), tail.Entries[0].Position)
	assert.False(t, tail.HasMore())
}
