package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache implements leaderboard.Cache on Redis.
//
// Layout:
//   - board (ZSET): every member has score 0, so the set is ordered by member
//     bytes. A member is "<MaxInt64-pc>:<MaxInt64-pcon>:<user_id>" with both
//     numbers zero-padded to 19 digits, which makes byte order equal to
//     PC desc, PCon desc, user id asc.
//   - index (HASH): user_id -> "<version>|<member>" so an upsert can find and
//     remove the user's previous member.
type LeaderboardCache struct {
	client *redis.Client
	board  string
	index  string
}

var _ leaderboard.Cache = (*LeaderboardCache)(nil)

// NewLeaderboardCache creates a leaderboard cache under the cache namespace.
func NewLeaderboardCache(cache *Cache) *LeaderboardCache {
	return &LeaderboardCache{
		client: cache.client,
		board:  cache.Key(LeaderboardKey("board")),
		index:  cache.Key(LeaderboardKey("index")),
	}
}

// upsertScript applies an entry unless the index already holds an equal or
// newer version for the user.
//
// KEYS[1] board, KEYS[2] index
// ARGV[1] user_id, ARGV[2] version, ARGV[3] member
var upsertScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[2], ARGV[1])
if current then
	local sep = string.find(current, "|", 1, true)
	if tonumber(string.sub(current, 1, sep - 1)) >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call("ZREM", KEYS[1], string.sub(current, sep + 1))
end
redis.call("ZADD", KEYS[1], 0, ARGV[3])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2] .. "|" .. ARGV[3])
return 1
`)

// Upsert implements leaderboard.Cache.
func (c *LeaderboardCache) Upsert(ctx context.Context, e leaderboard.Entry) (bool, error) {
	if e.UserID == "" {
		return false, ErrCacheKeyEmpty
	}
	applied, err := upsertScript.Run(ctx, c.client,
		[]string{c.board, c.index},
		e.UserID, e.Version, encodeMember(e),
	).Int()
	if err != nil {
		return false, fmt.Errorf("leaderboard upsert: %w", err)
	}
	return applied == 1, nil
}

// Page implements leaderboard.Cache.
func (c *LeaderboardCache) Page(ctx context.Context, offset, limit int) (*leaderboard.Page, error) {
	if offset < 0 || limit <= 0 {
		return nil, shared.ErrInvalidPageParams
	}

	pipe := c.client.Pipeline()
	members := pipe.ZRange(ctx, c.board, int64(offset), int64(offset+limit-1))
	total := pipe.ZCard(ctx, c.board)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard page: %w", err)
	}

	page := &leaderboard.Page{
		Entries: make([]leaderboard.Entry, 0, len(members.Val())),
		Offset:  offset,
		Limit:   limit,
		Total:   total.Val(),
	}
	for i, m := range members.Val() {
		e, err := decodeMember(m)
		if err != nil {
			return nil, err
		}
		e.Position = leaderboard.Position(offset + i + 1)
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// Position implements leaderboard.Cache.
func (c *LeaderboardCache) Position(ctx context.Context, userID string) (leaderboard.Entry, error) {
	raw, err := c.client.HGet(ctx, c.index, userID).Result()
	if errors.Is(err, redis.Nil) {
		return leaderboard.Entry{}, shared.ErrNotRanked
	}
	if err != nil {
		return leaderboard.Entry{}, fmt.Errorf("leaderboard position: %w", err)
	}

	version, member, err := splitIndexValue(raw)
	if err != nil {
		return leaderboard.Entry{}, err
	}
	rank, err := c.client.ZRank(ctx, c.board, member).Result()
	if errors.Is(err, redis.Nil) {
		// Index and board disagree only while a Replace is swapping keys.
		return leaderboard.Entry{}, shared.ErrNotRanked
	}
	if err != nil {
		return leaderboard.Entry{}, fmt.Errorf("leaderboard position: %w", err)
	}

	e, err := decodeMember(member)
	if err != nil {
		return leaderboard.Entry{}, err
	}
	e.Version = version
	e.Position = leaderboard.Position(rank + 1)
	return e, nil
}

// Replace implements leaderboard.Cache. The new view is written to staging
// keys and renamed over the live ones inside MULTI/EXEC, so readers see
// either the old view or the new one.
func (c *LeaderboardCache) Replace(ctx context.Context, entries []leaderboard.Entry) error {
	if len(entries) == 0 {
		return c.client.Del(ctx, c.board, c.index).Err()
	}

	stagingBoard := c.board + ":staging"
	stagingIndex := c.index + ":staging"

	members := make([]redis.Z, 0, len(entries))
	index := make(map[string]any, len(entries))
	for _, e := range entries {
		m := encodeMember(e)
		members = append(members, redis.Z{Score: 0, Member: m})
		index[e.UserID] = strconv.FormatInt(e.Version, 10) + "|" + m
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stagingBoard, stagingIndex)
		pipe.ZAdd(ctx, stagingBoard, members...)
		pipe.HSet(ctx, stagingIndex, index)
		pipe.Rename(ctx, stagingBoard, c.board)
		pipe.Rename(ctx, stagingIndex, c.index)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard replace: %w", err)
	}
	return nil
}

// Count implements leaderboard.Cache.
func (c *LeaderboardCache) Count(ctx context.Context) (int64, error) {
	n, err := c.client.ZCard(ctx, c.board).Result()
	if err != nil {
		return 0, fmt.Errorf("leaderboard count: %w", err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Member encoding
// ─────────────────────────────────────────────────────────────────────────────

func encodeMember(e leaderboard.Entry) string {
	return fmt.Sprintf("%019d:%019d:%s", math.MaxInt64-e.PCPoints, math.MaxInt64-e.PConPoints, e.UserID)
}

func decodeMember(member string) (leaderboard.Entry, error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return leaderboard.Entry{}, fmt.Errorf("%w: malformed member %q", ErrCacheSerialization, member)
	}
	invPC, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return leaderboard.Entry{}, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	invPCon, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return leaderboard.Entry{}, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return leaderboard.Entry{
		UserID:     parts[2],
		PCPoints:   math.MaxInt64 - invPC,
		PConPoints: math.MaxInt64 - invPCon,
	}, nil
}

func splitIndexValue(raw string) (int64, string, error) {
	version, member, ok := strings.Cut(raw, "|")
	if !ok {
		return 0, "", fmt.Errorf("%w: malformed index value %q", ErrCacheSerialization, raw)
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return v, member, nil
}
