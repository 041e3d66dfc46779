package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHECK ACHIEVEMENTS COMMAND
// On-demand evaluate(user_id), for one user or every user with ledger
// activity. Unlocks stay at-most-once, so repeating a check is harmless.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementEvaluator is satisfied by *achievement.Evaluator.
type AchievementEvaluator interface {
	Evaluate(ctx context.Context, userID string) ([]*achievement.Unlock, error)
}

// UserLister pages through users with ledger activity. points.Ledger
// satisfies it.
type UserLister interface {
	Users(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

// CheckAchievementsCommand names the user to evaluate.
type CheckAchievementsCommand struct {
	UserID string
}

// CheckAchievementsResult lists what this check unlocked.
type CheckAchievementsResult struct {
	UserID   string   `json:"user_id"`
	Unlocked []string `json:"unlocked"`
}

// CheckAllResult summarises a sweep over every user.
type CheckAllResult struct {
	Users    int `json:"users"`
	Unlocked int `json:"unlocked"`
	Failed   int `json:"failed"`
}

// CheckAchievementsHandler handles CheckAchievementsCommand.
type CheckAchievementsHandler struct {
	evaluator AchievementEvaluator
	users     UserLister
	publisher shared.EventPublisher
	logger    *slog.Logger
	pageSize  int
}

// NewCheckAchievementsHandler creates a handler. users may be nil when only
// single-user checks are needed.
func NewCheckAchievementsHandler(evaluator AchievementEvaluator, users UserLister, publisher shared.EventPublisher, logger *slog.Logger) *CheckAchievementsHandler {
	if publisher == nil {
		publisher = shared.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckAchievementsHandler{
		evaluator: evaluator,
		users:     users,
		publisher: publisher,
		logger:    logger,
		pageSize:  500,
	}
}

// Handle evaluates one user and publishes every new unlock.
func (h *CheckAchievementsHandler) Handle(ctx context.Context, cmd CheckAchievementsCommand) (*CheckAchievementsResult, error) {
	if cmd.UserID == "" {
		return nil, shared.ErrUserIDRequired
	}
	unlocks, err := h.evaluator.Evaluate(ctx, cmd.UserID)
	res := &CheckAchievementsResult{UserID: cmd.UserID, Unlocked: make([]string, 0, len(unlocks))}
	for _, u := range unlocks {
		res.Unlocked = append(res.Unlocked, u.AchievementID)
		if perr := h.publisher.Publish(shared.NewAchievementUnlockedEvent(u.UserID, u.AchievementID, u.UnlockedAt)); perr != nil {
			h.logger.Warn("failed to publish unlock",
				slog.String("user_id", u.UserID), slog.String("achievement_id", u.AchievementID), slog.String("error", perr.Error()))
		}
	}
	return res, err
}

// HandleAll evaluates every user with ledger activity. A failing user is
// logged and counted; the sweep goes on.
func (h *CheckAchievementsHandler) HandleAll(ctx context.Context) (*CheckAllResult, error) {
	if h.users == nil {
		return nil, fmt.Errorf("check achievements: no user lister configured")
	}
	out := &CheckAllResult{}
	after := ""
	for {
		ids, err := h.users.Users(ctx, after, h.pageSize)
		if err != nil {
			return out, fmt.Errorf("list users after %q: %w", after, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out.Users++
			res, err := h.Handle(ctx, CheckAchievementsCommand{UserID: id})
			if res != nil {
				out.Unlocked += len(res.Unlocked)
			}
			if err != nil {
				out.Failed++
				h.logger.Error("achievement check failed", slog.String("user_id", id), slog.String("error", err.Error()))
			}
		}
		if len(ids) < h.pageSize {
			break
		}
		after = ids[len(ids)-1]
	}
	h.logger.Info("achievement check sweep finished",
		slog.Int("users", out.Users), slog.Int("unlocked", out.Unlocked), slog.Int("failed", out.Failed))
	return out, nil
}
