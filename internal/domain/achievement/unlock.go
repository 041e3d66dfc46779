package achievement

import (
	"context"
	"time"
)

// Unlock records that a user earned an achievement. There is at most one
// Unlock per (UserID, AchievementID).
type Unlock struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// Repository stores unlocks.
type Repository interface {
	// Insert stores u unless (u.UserID, u.AchievementID) already exists. The
	// check and the write are one atomic step. inserted is false for an
	// existing pair, which is not an error.
	Insert(ctx context.Context, u *Unlock) (inserted bool, err error)

	// ListByUser returns the user's unlocks ordered by UnlockedAt.
	ListByUser(ctx context.Context, userID string) ([]*Unlock, error)
}

// Notifier delivers unlock notifications to the notification collaborator.
// Delivery is fire-and-forget; callers log failures and move on.
type Notifier interface {
	NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID, achievementID string) error

// NotifyAchievementUnlocked implements Notifier.
func (f NotifierFunc) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	return f(ctx, userID, achievementID)
}
