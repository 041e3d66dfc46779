package leaderboard

import (
	"context"
	"fmt"

	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHE
// ══════════════════════════════════════════════════════════════════════════════

// Cache stores the ranked view.
//
// Incremental Upserts may briefly leave the global order stale; Replace is the
// periodic full rebuild that restores it exactly.
type Cache interface {
	// Upsert sets a user's balances. It returns false and changes nothing if
	// the cache already holds this user at an equal or newer Version.
	Upsert(ctx context.Context, e Entry) (bool, error)

	// Page returns up to limit entries starting at offset, with positions.
	Page(ctx context.Context, offset, limit int) (*Page, error)

	// Position returns the user's entry or shared.ErrNotRanked.
	Position(ctx context.Context, userID string) (Entry, error)

	// Replace swaps the whole view for entries.
	Replace(ctx context.Context, entries []Entry) error

	// Count returns the number of ranked users.
	Count(ctx context.Context) (int64, error)
}

func errInvalidPage(offset, limit int) error {
	return shared.WrapError("leaderboard", "Page", shared.ErrValueOutOfRange,
		shared.ErrInvalidPageParams.Message, fmt.Errorf("offset=%d limit=%d", offset, limit))
}
