package postgres

import (
	"context"
	"fmt"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AchievementRepository implements achievement.Repository. The unique
// (user_id, achievement_id) constraint makes Insert an atomic check-and-write.
type AchievementRepository struct {
	db DB
}

var _ achievement.Repository = (*AchievementRepository)(nil)

// NewAchievementRepository creates a new AchievementRepository.
func NewAchievementRepository(db DB) *AchievementRepository {
	return &AchievementRepository{db: db}
}

// Insert implements achievement.Repository.
func (r *AchievementRepository) Insert(ctx context.Context, u *achievement.Unlock) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO achievement_unlocks (id, user_id, achievement_id, unlocked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, achievement_id) DO NOTHING
	`, u.ID, u.UserID, u.AchievementID, u.UnlockedAt)
	if err != nil {
		return false, fmt.Errorf("insert unlock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser implements achievement.Repository.
func (r *AchievementRepository) ListByUser(ctx context.Context, userID string) ([]*achievement.Unlock, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, achievement_id, unlocked_at
		FROM achievement_unlocks
		WHERE user_id = $1
		ORDER BY unlocked_at ASC, achievement_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unlocks: %w", err)
	}
	defer rows.Close()

	var out []*achievement.Unlock
	for rows.Next() {
		var u achievement.Unlock
		if err := rows.Scan(&u.ID, &u.UserID, &u.AchievementID, &u.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scan unlock: %w", err)
		}
		u.UnlockedAt = u.UnlockedAt.UTC()
		out = append(out, &u)
	}
	return out, rows.Err()
}
