package query

import (
	"context"
	"errors"
	"log/slog"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET USER STATS QUERY
// getUserStats(user_id) → {pc_points, pcon_points, rank, achievements}, plus
// the next tier and the leaderboard position when known.
// ══════════════════════════════════════════════════════════════════════════════

// GetUserStatsQuery identifies the user.
type GetUserStatsQuery struct {
	UserID string
}

// NextTierDTO is the gap to the next tier.
type NextTierDTO struct {
	Name       string `json:"name"`
	PCNeeded   int64  `json:"pc_needed"`
	PConNeeded int64  `json:"pcon_needed"`
}

// UserStatsDTO is the response.
type UserStatsDTO struct {
	UserID       string       `json:"user_id"`
	PCPoints     int64        `json:"pc_points"`
	PConPoints   int64        `json:"pcon_points"`
	Rank         string       `json:"rank"`
	Achievements []string     `json:"achievements"`
	NextTier     *NextTierDTO `json:"next_tier,omitempty"`
	Position     int          `json:"position,omitempty"`
}

// GetUserStatsHandler handles GetUserStatsQuery.
type GetUserStatsHandler struct {
	aggs   *aggregate.Service
	board  leaderboard.Cache
	logger *slog.Logger
}

// NewGetUserStatsHandler creates a handler. board may be nil.
func NewGetUserStatsHandler(aggs *aggregate.Service, board leaderboard.Cache, logger *slog.Logger) *GetUserStatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetUserStatsHandler{aggs: aggs, board: board, logger: logger}
}

// Handle returns the user's current standing. Rank is derived on read.
func (h *GetUserStatsHandler) Handle(ctx context.Context, q GetUserStatsQuery) (*UserStatsDTO, error) {
	if q.UserID == "" {
		return nil, shared.ErrUserIDRequired
	}
	agg, err := h.aggs.Get(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	out := &UserStatsDTO{
		UserID:       agg.UserID,
		PCPoints:     agg.PCPoints,
		PConPoints:   agg.PConPoints,
		Rank:         agg.Rank,
		Achievements: agg.Achievements,
	}
	if out.Achievements == nil {
		out.Achievements = []string{}
	}
	if next, ok := h.aggs.Ranks().Next(agg.PCPoints, agg.PConPoints); ok {
		gap := rank.ShortfallTo(next, agg.PCPoints, agg.PConPoints)
		out.NextTier = &NextTierDTO{Name: next.Name, PCNeeded: gap.PC, PConNeeded: gap.PCon}
	}

	if h.board != nil {
		entry, err := h.board.Position(ctx, q.UserID)
		switch {
		case err == nil:
			out.Position = int(entry.Position)
		case errors.Is(err, shared.ErrNotRanked):
		default:
			// position is decoration; the balances are what matter
			h.logger.Debug("leaderboard position unavailable", slog.String("user_id", q.UserID), slog.String("error", err.Error()))
		}
	}
	return out, nil
}
