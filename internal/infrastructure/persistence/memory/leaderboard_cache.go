package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// LeaderboardCache keeps the ordering in a sorted slice. Upserts are
// O(n) moves; reads are binary searches.
type LeaderboardCache struct {
	mu     sync.RWMutex
	sorted []leaderboard.Entry
	byUser map[string]leaderboard.Entry
}

var _ leaderboard.Cache = (*LeaderboardCache)(nil)

// NewLeaderboardCache creates an empty cache.
func NewLeaderboardCache() *LeaderboardCache {
	return &LeaderboardCache{byUser: make(map[string]leaderboard.Entry)}
}

// Upsert implements leaderboard.Cache.
func (c *LeaderboardCache) Upsert(ctx context.Context, e leaderboard.Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byUser[e.UserID]; ok {
		if old.Version >= e.Version {
			return false, nil
		}
		if i, found := slices.BinarySearchFunc(c.sorted, old, leaderboard.Compare); found {
			c.sorted = slices.Delete(c.sorted, i, i+1)
		}
	}
	e.Position = 0
	i, _ := slices.BinarySearchFunc(c.sorted, e, leaderboard.Compare)
	c.sorted = slices.Insert(c.sorted, i, e)
	c.byUser[e.UserID] = e
	return true, nil
}

// Page implements leaderboard.Cache.
func (c *LeaderboardCache) Page(ctx context.Context, offset, limit int) (*leaderboard.Page, error) {
	if offset < 0 || limit <= 0 {
		return nil, shared.ErrInvalidPageParams
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	page := &leaderboard.Page{Offset: offset, Limit: limit, Total: int64(len(c.sorted))}
	if offset >= len(c.sorted) {
		page.Entries = []leaderboard.Entry{}
		return page, nil
	}
	end := min(offset+limit, len(c.sorted))
	page.Entries = make([]leaderboard.Entry, 0, end-offset)
	for i := offset; i < end; i++ {
		e := c.sorted[i]
		e.Position = leaderboard.Position(i + 1)
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// Position implements leaderboard.Cache.
func (c *LeaderboardCache) Position(ctx context.Context, userID string) (leaderboard.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byUser[userID]
	if !ok {
		return leaderboard.Entry{}, shared.ErrNotRanked
	}
	i, _ := slices.BinarySearchFunc(c.sorted, e, leaderboard.Compare)
	e.Position = leaderboard.Position(i + 1)
	return e, nil
}

// Replace implements leaderboard.Cache.
func (c *LeaderboardCache) Replace(ctx context.Context, entries []leaderboard.Entry) error {
	sorted := slices.Clone(entries)
	leaderboard.Sort(sorted)
	byUser := make(map[string]leaderboard.Entry, len(sorted))
	for i := range sorted {
		sorted[i].Position = 0
		byUser[sorted[i].UserID] = sorted[i]
	}

	c.mu.Lock()
	c.sorted = sorted
	c.byUser = byUser
	c.mu.Unlock()
	return nil
}

// Count implements leaderboard.Cache.
func (c *LeaderboardCache) Count(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.sorted)), nil
}
