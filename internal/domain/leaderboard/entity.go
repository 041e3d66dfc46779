// Package leaderboard holds the ranked view over user aggregates. Entries are
// derived data: they can be discarded and rebuilt from the aggregate store at
// any time without losing information.
package leaderboard

import (
	"fmt"
	"slices"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// POSITION
// ══════════════════════════════════════════════════════════════════════════════

// Position is a 1-based place on the leaderboard. Zero means unranked.
type Position int

// IsValid reports whether the position is ranked.
func (p Position) IsValid() bool {
	return p > 0
}

// IsTop reports whether the position is within the first n places.
func (p Position) IsTop(n int) bool {
	return p.IsValid() && int(p) <= n
}

// String returns "#n" or "-" for unranked.
func (p Position) String() string {
	if !p.IsValid() {
		return "-"
	}
	return fmt.Sprintf("#%d", int(p))
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry is one user's row. Version is the aggregate version the snapshot was
// taken from; caches ignore updates older than what they hold.
type Entry struct {
	UserID     string   `json:"user_id"`
	PCPoints   int64    `json:"pc_points"`
	PConPoints int64    `json:"pcon_points"`
	Position   Position `json:"position"`
	Version    int64    `json:"-"`
}

// Less is the leaderboard's total order: PC descending, then PCon descending,
// then user id ascending.
func Less(a, b Entry) bool {
	return Compare(a, b) < 0
}

// Compare returns -1 if a ranks above b, 1 if below, 0 for the same user.
func Compare(a, b Entry) int {
	switch {
	case a.PCPoints != b.PCPoints:
		if a.PCPoints > b.PCPoints {
			return -1
		}
		return 1
	case a.PConPoints != b.PConPoints:
		if a.PConPoints > b.PConPoints {
			return -1
		}
		return 1
	default:
		return strings.Compare(a.UserID, b.UserID)
	}
}

// Sort orders entries in place and assigns 1-based positions.
func Sort(entries []Entry) {
	slices.SortFunc(entries, Compare)
	for i := range entries {
		entries[i].Position = Position(i + 1)
	}
}

// String is used in logs.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s pc=%d pcon=%d", e.Position, e.UserID, e.PCPoints, e.PConPoints)
}

// ══════════════════════════════════════════════════════════════════════════════
// PAGING
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultLimit is the page size used when the caller gives none.
	DefaultLimit = 20
	// MaxLimit caps a single page.
	MaxLimit = 100
)

// Page is a slice of the ordering.
type Page struct {
	Entries []Entry `json:"entries"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
	Total   int64   `json:"total"`
}

// HasMore reports whether entries exist after this page.
func (p *Page) HasMore() bool {
	return int64(p.Offset+len(p.Entries)) < p.Total
}

// NormalizePage applies defaults and caps. Negative offsets are rejected.
func NormalizePage(offset, limit int) (int, int, error) {
	if offset < 0 || limit < 0 {
		return 0, 0, errInvalidPage(offset, limit)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return offset, limit, nil
}
