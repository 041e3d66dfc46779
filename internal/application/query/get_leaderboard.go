// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/leaderboard"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// getLeaderboard(offset, limit): ordered page of {user_id, pc, pcon, position}.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery holds paging parameters.
type GetLeaderboardQuery struct {
	// Offset is zero-based.
	Offset int

	// Limit defaults to 20 and is capped at 100.
	Limit int
}

// Validate normalizes paging.
func (q *GetLeaderboardQuery) Validate() error {
	off, lim, err := leaderboard.NormalizePage(q.Offset, q.Limit)
	if err != nil {
		return err
	}
	q.Offset, q.Limit = off, lim
	return nil
}

// LeaderboardEntryDTO is one row of the response.
type LeaderboardEntryDTO struct {
	UserID     string `json:"user_id"`
	PCPoints   int64  `json:"pc_points"`
	PConPoints int64  `json:"pcon_points"`
	Position   int    `json:"position"`
}

// GetLeaderboardResult is the page.
type GetLeaderboardResult struct {
	Entries   []LeaderboardEntryDTO `json:"entries"`
	Offset    int                   `json:"offset"`
	Limit     int                   `json:"limit"`
	Total     int64                 `json:"total"`
	HasMore   bool                  `json:"has_more"`
	FromCache bool                  `json:"from_cache"`
}

// GetLeaderboardHandler handles GetLeaderboardQuery.
type GetLeaderboardHandler struct {
	cache  leaderboard.Cache
	store  aggregate.Store
	logger *slog.Logger
}

// NewGetLeaderboardHandler creates a handler. store is the fallback used when
// the cache is empty, e.g. right after a cold start; it may be nil.
func NewGetLeaderboardHandler(cache leaderboard.Cache, store aggregate.Store, logger *slog.Logger) *GetLeaderboardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetLeaderboardHandler{cache: cache, store: store, logger: logger}
}

// Handle returns a page of the leaderboard.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, query GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	count, err := h.cache.Count(ctx)
	if err == nil && (count > 0 || h.store == nil) {
		page, err := h.cache.Page(ctx, query.Offset, query.Limit)
		if err == nil {
			return h.buildResult(page, true), nil
		}
		h.logger.Warn("leaderboard cache read failed", slog.String("error", err.Error()))
	} else if err != nil {
		h.logger.Warn("leaderboard cache unavailable", slog.String("error", err.Error()))
	}

	if h.store == nil {
		return nil, fmt.Errorf("leaderboard unavailable: %w", err)
	}
	page, err := h.fromStore(ctx, query.Offset, query.Limit)
	if err != nil {
		return nil, err
	}
	return h.buildResult(page, false), nil
}

// fromStore computes the page directly from the aggregate store.
func (h *GetLeaderboardHandler) fromStore(ctx context.Context, offset, limit int) (*leaderboard.Page, error) {
	b := leaderboard.NewSnapshotBuilder(0)
	after := ""
	for {
		batch, err := h.store.List(ctx, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("list aggregates: %w", err)
		}
		for _, a := range batch {
			b.Add(a)
		}
		if len(batch) < 1000 {
			break
		}
		after = batch[len(batch)-1].UserID
	}
	snap := b.Build(time.Now().UTC())

	page := &leaderboard.Page{Offset: offset, Limit: limit, Total: int64(len(snap.Entries))}
	if offset < len(snap.Entries) {
		page.Entries = snap.Entries[offset:min(offset+limit, len(snap.Entries))]
	}
	return page, nil
}

func (h *GetLeaderboardHandler) buildResult(page *leaderboard.Page, fromCache bool) *GetLeaderboardResult {
	out := &GetLeaderboardResult{
		Entries:   make([]LeaderboardEntryDTO, 0, len(page.Entries)),
		Offset:    page.Offset,
		Limit:     page.Limit,
		Total:     page.Total,
		HasMore:   page.HasMore(),
		FromCache: fromCache,
	}
	for _, e := range page.Entries {
		out.Entries = append(out.Entries, LeaderboardEntryDTO{
			UserID:     e.UserID,
			PCPoints:   e.PCPoints,
			PConPoints: e.PConPoints,
			Position:   int(e.Position),
		})
	}
	return out
}
