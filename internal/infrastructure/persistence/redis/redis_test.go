package redis

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client, "test"), mr
}

func TestCache_Key(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.Equal(t, "test:leaderboard:board", cache.Key(LeaderboardKey("board")))

	bare := NewCacheFromClient(cache.Client(), "")
	assert.Equal(t, "a:b", bare.Key("a", "b"))
}

func TestConfig_HostPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "cache.internal"
	cfg.Port = 6380
	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, cfg.MaxRetries, opts.MaxRetries)
}

func TestConfig_URL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "redis://:secret@cache.internal:6380/2"
	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, cfg.PoolSize, opts.PoolSize)

	cfg.URL = "http://nope"
	_, err = cfg.options()
	assert.ErrorIs(t, err, ErrCacheConnection)
}

func TestCache_TryLock(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	release, ok, err := cache.TryLock(ctx, "rebuild", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = cache.TryLock(ctx, "rebuild", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")

	require.NoError(t, release(ctx))

	release2, ok, err := cache.TryLock(ctx, "rebuild", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release from the first holder must not drop the new lock.
	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("test:lock:rebuild"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:lock:rebuild"))
	require.NoError(t, release2(ctx))
}

func TestCache_Publish(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	sub := cache.Subscribe(ctx, PubSubChannel("achievements"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, cache.Publish(ctx, PubSubChannel("achievements"), map[string]string{"user_id": "u1"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1"}`, msg.Payload)

	assert.ErrorIs(t, cache.Publish(ctx, "", nil), ErrCacheKeyEmpty)
	assert.ErrorIs(t, cache.Publish(ctx, "c", make(chan int)), ErrCacheSerialization)
}

func TestCache_TryLockValidates(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, _, err := cache.TryLock(ctx, "", "tok", time.Second)
	assert.ErrorIs(t, err, ErrCacheKeyEmpty)

	_, ok, err := cache.TryLock(ctx, "sweep", "tok", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DefaultLockTTL, mr.TTL("test:lock:sweep"))
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

func TestLeaderboardCache_Order(t *testing.T) {
	cache, _ := newTestCache(t)
	lb := NewLeaderboardCache(cache)
	ctx := context.Background()

	for _, e := range []leaderboard.Entry{
		{UserID: "carol", PCPoints: 50, PConPoints: 10, Version: 1},
		{UserID: "bob", PCPoints: 100, PConPoints: 5, Version: 1},
		{UserID: "alice", PCPoints: 100, PConPoints: 5, Version: 1},
		{UserID: "dave", PCPoints: 100, PConPoints: 40, Version: 1},
		{UserID: "erin", PCPoints: 0, PConPoints: 0, Version: 1},
	} {
		ok, err := lb.Upsert(ctx, e)
		require.NoError(t, err)
		require.True(t, ok)
	}

	page, err := lb.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 5)
	assert.Equal(t, int64(5), page.Total)
	assert.False(t, page.HasMore())

	ids := make([]string, 0, len(page.Entries))
	for i, e := range page.Entries {
		ids = append(ids, e.UserID)
		assert.Equal(t, leaderboard.Position(i+1), e.Position)
	}
	assert.Equal(t, []string{"dave", "alice", "bob", "carol", "erin"}, ids)
	assert.Equal(t, int64(100), page.Entries[0].PCPoints)
	assert.Equal(t, int64(40), page.Entries[0].PConPoints)

	page, err = lb.Page(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "bob", page.Entries[0].UserID)
	assert.Equal(t, leaderboard.Position(3), page.Entries[0].Position)
	assert.True(t, page.HasMore())

	page, err = lb.Page(ctx, 50, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestLeaderboardCache_UpsertVersioning(t *testing.T) {
	cache, _ := newTestCache(t)
	lb := NewLeaderboardCache(cache)
	ctx := context.Background()

	ok, err := lb.Upsert(ctx, leaderboard.Entry{UserID: "u1", PCPoints: 10, Version: 2})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lb.Upsert(ctx, leaderboard.Entry{UserID: "u1", PCPoints: 5, Version: 1})
	require.NoError(t, err)
	assert.False(t, ok, "older version ignored")

	ok, err = lb.Upsert(ctx, leaderboard.Entry{UserID: "u1", PCPoints: 7, Version: 2})
	require.NoError(t, err)
	assert.False(t, ok, "equal version ignored")

	ok, err = lb.Upsert(ctx, leaderboard.Entry{UserID: "u1", PCPoints: 20, PConPoints: 3, Version: 3})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := lb.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "previous member removed")

	e, err := lb.Position(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.PCPoints)
	assert.Equal(t, int64(3), e.PConPoints)
	assert.Equal(t, int64(3), e.Version)
	assert.Equal(t, leaderboard.Position(1), e.Position)
}

func TestLeaderboardCache_Position(t *testing.T) {
	cache, _ := newTestCache(t)
	lb := NewLeaderboardCache(cache)
	ctx := context.Background()

	_, err := lb.Position(ctx, "ghost")
	assert.ErrorIs(t, err, shared.ErrNotRanked)

	require.NoError(t, lb.Replace(ctx, []leaderboard.Entry{
		{UserID: "a", PCPoints: 1, Version: 1},
		{UserID: "b", PCPoints: 2, Version: 1},
		{UserID: "c:with:colons", PCPoints: 3, Version: 1},
	}))

	e, err := lb.Position(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, leaderboard.Position(3), e.Position)

	e, err = lb.Position(ctx, "c:with:colons")
	require.NoError(t, err)
	assert.Equal(t, "c:with:colons", e.UserID)
	assert.Equal(t, leaderboard.Position(1), e.Position)
}

func TestLeaderboardCache_InvalidPage(t *testing.T) {
	cache, _ := newTestCache(t)
	lb := NewLeaderboardCache(cache)

	_, err := lb.Page(context.Background(), -1, 10)
	assert.ErrorIs(t, err, shared.ErrInvalidPageParams)
	_, err = lb.Page(context.Background(), 0, 0)
	assert.ErrorIs(t, err, shared.ErrInvalidPageParams)
}

func TestLeaderboardCache_ReplaceSwapsView(t *testing.T) {
	cache, mr := newTestCache(t)
	lb := NewLeaderboardCache(cache)
	ctx := context.Background()

	_, err := lb.Upsert(ctx, leaderboard.Entry{UserID: "stale", PCPoints: 999, Version: 9})
	require.NoError(t, err)

	require.NoError(t, lb.Replace(ctx, []leaderboard.Entry{
		{UserID: "x", PCPoints: 10, Version: 1},
		{UserID: "y", PCPoints: 20, Version: 1},
	}))

	_, err = lb.Position(ctx, "stale")
	assert.ErrorIs(t, err, shared.ErrNotRanked)
	assert.False(t, mr.Exists("test:leaderboard:board:staging"))

	n, err := lb.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, lb.Replace(ctx, nil))
	n, err = lb.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLeaderboardCache_IncrementalMatchesRebuild(t *testing.T) {
	cache, _ := newTestCache(t)
	lb := NewLeaderboardCache(cache)
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(7, 11))
	latest := make(map[string]leaderboard.Entry)
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("user-%02d", rng.IntN(40))
		prev := latest[id]
		e := leaderboard.Entry{
			UserID:     id,
			PCPoints:   int64(rng.IntN(200)),
			PConPoints: int64(rng.IntN(100)),
			Version:    prev.Version + 1,
		}
		latest[id] = e
		_, err := lb.Upsert(ctx, e)
		require.NoError(t, err)
	}

	incremental, err := lb.Page(ctx, 0, leaderboard.MaxLimit)
	require.NoError(t, err)

	rebuilt := make([]leaderboard.Entry, 0, len(latest))
	for _, e := range latest {
		rebuilt = append(rebuilt, e)
	}
	leaderboard.Sort(rebuilt)

	require.Len(t, incremental.Entries, len(rebuilt))
	for i := range rebuilt {
		assert.Equal(t, rebuilt[i].UserID, incremental.Entries[i].UserID)
		assert.Equal(t, rebuilt[i].Position, incremental.Entries[i].Position)
	}
}

func TestMemberEncoding(t *testing.T) {
	e := leaderboard.Entry{UserID: "u:1", PCPoints: 42, PConPoints: 7}
	got, err := decodeMember(encodeMember(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = decodeMember("garbage")
	assert.ErrorIs(t, err, ErrCacheSerialization)

	_, _, err = splitIndexValue("no-separator")
	assert.ErrorIs(t, err, ErrCacheSerialization)
}
