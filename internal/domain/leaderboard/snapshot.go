package leaderboard

import (
	"time"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is a fully ordered leaderboard built from aggregates.
type Snapshot struct {
	Entries []Entry
	BuiltAt time.Time
}

// EntryFromAggregate projects an aggregate onto a leaderboard row.
func EntryFromAggregate(a *aggregate.Aggregate) Entry {
	return Entry{
		UserID:     a.UserID,
		PCPoints:   a.PCPoints,
		PConPoints: a.PConPoints,
		Version:    a.Version,
	}
}

// SnapshotBuilder accumulates aggregates and produces an ordered Snapshot.
type SnapshotBuilder struct {
	entries []Entry
}

// NewSnapshotBuilder creates a builder with the given capacity hint.
func NewSnapshotBuilder(capacity int) *SnapshotBuilder {
	return &SnapshotBuilder{entries: make([]Entry, 0, capacity)}
}

// Add appends one aggregate.
func (b *SnapshotBuilder) Add(a *aggregate.Aggregate) {
	b.entries = append(b.entries, EntryFromAggregate(a))
}

// Len returns how many aggregates were added.
func (b *SnapshotBuilder) Len() int { return len(b.entries) }

// Build sorts the entries and stamps positions.
func (b *SnapshotBuilder) Build(now time.Time) *Snapshot {
	Sort(b.entries)
	return &Snapshot{Entries: b.entries, BuiltAt: now}
}
