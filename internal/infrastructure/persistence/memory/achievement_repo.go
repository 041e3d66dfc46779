package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
)

// AchievementRepository is an in-memory achievement.Repository.
type AchievementRepository struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]*achievement.Unlock
	inserts int
}

var _ achievement.Repository = (*AchievementRepository)(nil)

// NewAchievementRepository creates an empty repository.
func NewAchievementRepository() *AchievementRepository {
	return &AchievementRepository{byUser: make(map[string]map[string]*achievement.Unlock)}
}

// Insert implements achievement.Repository.
func (r *AchievementRepository) Insert(ctx context.Context, u *achievement.Unlock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[u.UserID]
	if !ok {
		set = make(map[string]*achievement.Unlock)
		r.byUser[u.UserID] = set
	}
	if _, exists := set[u.AchievementID]; exists {
		return false, nil
	}
	cp := *u
	set[u.AchievementID] = &cp
	r.inserts++
	return true, nil
}

// ListByUser implements achievement.Repository.
func (r *AchievementRepository) ListByUser(ctx context.Context, userID string) ([]*achievement.Unlock, error) {
	r.mu.RLock()
	out := make([]*achievement.Unlock, 0, len(r.byUser[userID]))
	for _, u := range r.byUser[userID] {
		cp := *u
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].AchievementID < out[j].AchievementID
		}
		return out[i].UnlockedAt.Before(out[j].UnlockedAt)
	})
	return out, nil
}

// Inserts returns how many unlocks were actually stored.
func (r *AchievementRepository) Inserts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inserts
}
