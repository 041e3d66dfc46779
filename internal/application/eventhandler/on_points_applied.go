// Package eventhandler contains the asynchronous reactions to domain events.
// Handlers run on the event bus workers after the aggregate write they react
// to has committed, so every read they make already reflects it.
package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON POINTS APPLIED HANDLER
// PointsApplied → evaluate achievements → upsert the leaderboard row.
// Both steps are idempotent, so duplicate or coalesced deliveries are harmless.
// ═══════════════════════════════════════════════════════════════════════════

// FeatureGate reports whether a named feature is on for a user.
type FeatureGate interface {
	EnabledFor(name, userID string) bool
}

// Feature names consulted by the handler.
const (
	FeatureIncrementalLeaderboard = "incremental_leaderboard"
	FeatureAchievementEvaluation  = "achievement_evaluation"
)

// PointsAppliedConfig contains handler configuration.
type PointsAppliedConfig struct {
	// Timeout bounds one handler invocation.
	Timeout time.Duration
}

// DefaultPointsAppliedConfig returns the defaults.
func DefaultPointsAppliedConfig() PointsAppliedConfig {
	return PointsAppliedConfig{Timeout: 10 * time.Second}
}

// OnPointsAppliedHandler reacts to PointsAppliedEvent.
type OnPointsAppliedHandler struct {
	evaluator *achievement.Evaluator
	aggs      *aggregate.Service
	board     leaderboard.Cache
	publisher shared.EventPublisher
	features  FeatureGate
	logger    *slog.Logger
	config    PointsAppliedConfig
}

// NewOnPointsAppliedHandler creates the handler. features may be nil, in which
// case every step runs.
func NewOnPointsAppliedHandler(
	evaluator *achievement.Evaluator,
	aggs *aggregate.Service,
	board leaderboard.Cache,
	publisher shared.EventPublisher,
	features FeatureGate,
	logger *slog.Logger,
	config PointsAppliedConfig,
) *OnPointsAppliedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = shared.NoopPublisher{}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPointsAppliedConfig().Timeout
	}
	return &OnPointsAppliedHandler{
		evaluator: evaluator,
		aggs:      aggs,
		board:     board,
		publisher: publisher,
		features:  features,
		logger:    logger.With("handler", "on_points_applied"),
		config:    config,
	}
}

// Handle implements shared.EventHandler.
func (h *OnPointsAppliedHandler) Handle(event shared.Event) error {
	ev, ok := event.(shared.PointsAppliedEvent)
	if !ok {
		h.logger.Warn("received non-PointsAppliedEvent", "event_type", event.EventType())
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()
	return h.Process(ctx, ev.UserID)
}

// Process runs the reactions for one user. The returned error is the first
// failure; later steps still run.
func (h *OnPointsAppliedHandler) Process(ctx context.Context, userID string) error {
	var firstErr error

	if h.evaluator != nil && h.enabled(FeatureAchievementEvaluation, userID) {
		unlocks, err := h.evaluator.Evaluate(ctx, userID)
		if err != nil {
			h.logger.Error("achievement evaluation failed", "user_id", userID, "error", err)
			firstErr = err
		}
		for _, u := range unlocks {
			if err := h.publisher.Publish(shared.NewAchievementUnlockedEvent(u.UserID, u.AchievementID, u.UnlockedAt)); err != nil {
				h.logger.Warn("failed to publish unlock", "user_id", u.UserID, "achievement_id", u.AchievementID, "error", err)
			}
		}
	}

	if h.board != nil && h.enabled(FeatureIncrementalLeaderboard, userID) {
		agg, err := h.aggs.Get(ctx, userID)
		if err != nil {
			h.logger.Error("failed to read aggregate for leaderboard", "user_id", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			return firstErr
		}
		if _, err := h.board.Upsert(ctx, leaderboard.EntryFromAggregate(agg)); err != nil {
			// the periodic rebuild corrects what we miss here
			h.logger.Warn("leaderboard upsert failed", "user_id", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *OnPointsAppliedHandler) enabled(name, userID string) bool {
	return h.features == nil || h.features.EnabledFor(name, userID)
}
