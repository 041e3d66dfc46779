// Package achievement defines the unlockable milestones of the engine: the
// static catalog, the predicates that decide when a milestone is reached, the
// unlock records and the evaluator that inserts them exactly once.
package achievement

import (
	"fmt"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
)

// ══════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ══════════════════════════════════════════════════════════════════════════════

// Predicate decides whether a user has earned an achievement.
// Implementations must be pure functions of their inputs.
type Predicate interface {
	// Kind names the predicate family.
	Kind() string

	// Evaluate reports whether the condition holds.
	Evaluate(agg *aggregate.Aggregate, counters *points.Counters) bool

	// Progress returns the current value, capped at target, and the target.
	Progress(agg *aggregate.Aggregate, counters *points.Counters) (current, target int64)

	// Criteria describes the predicate for the catalog.
	Criteria() Criteria
}

// Criteria is the serializable description of a predicate.
type Criteria struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Target  int64  `json:"target"`
}

// String implements fmt.Stringer.
func (c Criteria) String() string {
	return fmt.Sprintf("%s(%s>=%d)", c.Kind, c.Subject, c.Target)
}

// Currency selects a balance for threshold predicates.
type Currency string

const (
	PC   Currency = "pc"
	PCon Currency = "pcon"
)

// ─────────────────────────────────────────────────────────────────────────────
// Points threshold
// ─────────────────────────────────────────────────────────────────────────────

// PointsThreshold holds when a balance reaches Target.
type PointsThreshold struct {
	Currency Currency
	Target   int64
}

func (p PointsThreshold) Kind() string { return "points_threshold" }

func (p PointsThreshold) Evaluate(agg *aggregate.Aggregate, _ *points.Counters) bool {
	return p.value(agg) >= p.Target
}

func (p PointsThreshold) Progress(agg *aggregate.Aggregate, _ *points.Counters) (int64, int64) {
	return min(p.value(agg), p.Target), p.Target
}

func (p PointsThreshold) Criteria() Criteria {
	return Criteria{Kind: p.Kind(), Subject: string(p.Currency), Target: p.Target}
}

func (p PointsThreshold) value(agg *aggregate.Aggregate) int64 {
	if agg == nil {
		return 0
	}
	if p.Currency == PCon {
		return agg.PConPoints
	}
	return agg.PCPoints
}

// ─────────────────────────────────────────────────────────────────────────────
// Event count
// ─────────────────────────────────────────────────────────────────────────────

// EventCount holds when the ledger has at least Target events of Type.
type EventCount struct {
	Type   points.EventType
	Target int64
}

func (p EventCount) Kind() string { return "event_count" }

func (p EventCount) Evaluate(_ *aggregate.Aggregate, c *points.Counters) bool {
	return c.Count(p.Type) >= p.Target
}

func (p EventCount) Progress(_ *aggregate.Aggregate, c *points.Counters) (int64, int64) {
	return min(c.Count(p.Type), p.Target), p.Target
}

func (p EventCount) Criteria() Criteria {
	return Criteria{Kind: p.Kind(), Subject: string(p.Type), Target: p.Target}
}

// ─────────────────────────────────────────────────────────────────────────────
// Login streak
// ─────────────────────────────────────────────────────────────────────────────

// LoginStreak holds once the user has logged in on Days consecutive UTC days.
// The best streak is used so a missed evaluation still unlocks later.
type LoginStreak struct {
	Days int
}

func (p LoginStreak) Kind() string { return "login_streak" }

func (p LoginStreak) Evaluate(_ *aggregate.Aggregate, c *points.Counters) bool {
	return c != nil && c.BestLoginStreak >= p.Days
}

func (p LoginStreak) Progress(_ *aggregate.Aggregate, c *points.Counters) (int64, int64) {
	var best int64
	if c != nil {
		best = int64(c.BestLoginStreak)
	}
	return min(best, int64(p.Days)), int64(p.Days)
}

func (p LoginStreak) Criteria() Criteria {
	return Criteria{Kind: p.Kind(), Subject: string(points.DailyLogin), Target: int64(p.Days)}
}
