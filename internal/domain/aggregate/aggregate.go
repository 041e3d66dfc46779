// Package aggregate holds the per-user materialized view over the point ledger:
// current balances, derived rank, unlocked achievements and the optimistic
// concurrency version.
package aggregate

import (
	"context"
	"slices"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/points"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// Aggregate is a user's current standing.
//
// PCPoints and PConPoints never go below zero. Version is 0 until the first
// successful Save and grows by one on every write. AppliedSeq is the highest
// ledger Seq folded into the balances.
type Aggregate struct {
	UserID       string    `json:"user_id"`
	PCPoints     int64     `json:"pc_points"`
	PConPoints   int64     `json:"pcon_points"`
	Rank         string    `json:"rank"`
	Achievements []string  `json:"achievements"`
	Version      int64     `json:"version"`
	AppliedSeq   int64     `json:"applied_seq"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New returns the zero aggregate for a user that has never been written.
func New(userID string) *Aggregate {
	return &Aggregate{UserID: userID, Achievements: []string{}}
}

// Fold adds a delta with the per-event floor at zero.
func (a *Aggregate) Fold(d points.Delta) {
	a.PCPoints = max(0, a.PCPoints+d.PC)
	a.PConPoints = max(0, a.PConPoints+d.PCon)
}

// HasAchievement reports whether the id is in the unlocked set.
func (a *Aggregate) HasAchievement(id string) bool {
	return slices.Contains(a.Achievements, id)
}

// AddAchievement inserts id into the unlocked set, keeping it sorted.
// Returns false if it was already present.
func (a *Aggregate) AddAchievement(id string) bool {
	i, found := slices.BinarySearch(a.Achievements, id)
	if found {
		return false
	}
	a.Achievements = slices.Insert(a.Achievements, i, id)
	return true
}

// Clone returns a deep copy.
func (a *Aggregate) Clone() *Aggregate {
	out := *a
	out.Achievements = slices.Clone(a.Achievements)
	if out.Achievements == nil {
		out.Achievements = []string{}
	}
	return &out
}

// Totals is the (pc, pcon) pair produced by a replay.
type Totals struct {
	PC   int64
	PCon int64
}

// Balances returns the aggregate's current totals.
func (a *Aggregate) Balances() Totals {
	return Totals{PC: a.PCPoints, PCon: a.PConPoints}
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store persists aggregates as versioned records.
type Store interface {
	// Get returns shared.ErrAggregateNotFound for a user never written.
	Get(ctx context.Context, userID string) (*Aggregate, error)

	// Save writes agg if the stored version equals expectedVersion and sets
	// agg.Version to expectedVersion+1. expectedVersion 0 means insert.
	// A mismatch returns shared.ErrVersionConflict and leaves agg unchanged.
	Save(ctx context.Context, agg *Aggregate, expectedVersion int64) error

	// List pages aggregates ordered by user id, strictly after afterUserID.
	List(ctx context.Context, afterUserID string, limit int) ([]*Aggregate, error)
}
