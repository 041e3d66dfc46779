package points

import (
	"context"
	"iter"
)

// Ledger is the append-only record of point events.
//
// Append is an atomic insert-if-absent keyed on Event.ID. Appends for the same
// user are serialized, so Seq order equals commit order for that user, and the
// user's Counters are folded in the same atomic unit.
type Ledger interface {
	// Append stores the event if its ID is unseen and returns the stored copy
	// with Seq and CreatedAt filled in. If the ID already exists (or, when the
	// daily-login guard is on, the user already logged in that UTC day) it
	// returns the previously stored event and inserted=false.
	Append(ctx context.Context, e *Event) (stored *Event, inserted bool, err error)

	// Get returns a stored event by ID.
	Get(ctx context.Context, eventID string) (*Event, error)

	// Replay yields the user's events with Seq > afterSeq in Seq order. The
	// sequence is lazy and can be ranged over again to restart from afterSeq.
	Replay(ctx context.Context, userID string, afterSeq int64) iter.Seq2[*Event, error]

	// Counters returns the user's ledger-derived counters. Unknown users get
	// empty counters.
	Counters(ctx context.Context, userID string) (*Counters, error)

	// Users lists user IDs with ledger activity, ordered ascending, strictly
	// after afterUserID.
	Users(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

// FoldCounters rebuilds counters from a full replay.
func FoldCounters(ctx context.Context, l Ledger, userID string) (*Counters, error) {
	c := NewCounters(userID)
	for e, err := range l.Replay(ctx, userID, 0) {
		if err != nil {
			return nil, err
		}
		c.Observe(e)
	}
	return c, nil
}
