// Package memory implements the engine's storage ports in process memory.
// It backs single-node deployments, the CLI's dry runs and the test suite.
package memory

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// LedgerConfig configures the in-memory ledger.
type LedgerConfig struct {
	// OneLoginPerDay collapses repeated daily_login events on the same UTC day.
	OneLoginPerDay bool

	Now func() time.Time
}

// Ledger is an append-only in-memory points.Ledger. A single mutex makes
// insert-if-absent, Seq assignment and the counters fold one atomic step.
type Ledger struct {
	mu       sync.RWMutex
	byID     map[string]*points.Event
	byUser   map[string][]*points.Event
	counters map[string]*points.Counters
	logins   map[loginKey]string
	config   LedgerConfig
}

type loginKey struct {
	userID string
	day    time.Time
}

var _ points.Ledger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger(config LedgerConfig) *Ledger {
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		byID:     make(map[string]*points.Event),
		byUser:   make(map[string][]*points.Event),
		counters: make(map[string]*points.Counters),
		logins:   make(map[loginKey]string),
		config:   config,
	}
}

// Append implements points.Ledger.
func (l *Ledger) Append(ctx context.Context, e *points.Event) (*points.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := e.Validate(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prior, ok := l.byID[e.ID]; ok {
		return clone(prior), false, nil
	}

	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = l.config.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	if l.config.OneLoginPerDay && stored.Type == points.DailyLogin {
		key := loginKey{userID: stored.UserID, day: stored.LoginDay()}
		if id, ok := l.logins[key]; ok {
			return clone(l.byID[id]), false, nil
		}
		l.logins[key] = stored.ID
	}

	stored.Seq = int64(len(l.byUser[stored.UserID])) + 1
	l.byID[stored.ID] = &stored
	l.byUser[stored.UserID] = append(l.byUser[stored.UserID], &stored)

	c, ok := l.counters[stored.UserID]
	if !ok {
		c = points.NewCounters(stored.UserID)
		l.counters[stored.UserID] = c
	}
	c.Observe(&stored)

	return clone(&stored), true, nil
}

// Get implements points.Ledger.
func (l *Ledger) Get(ctx context.Context, eventID string) (*points.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[eventID]
	if !ok {
		return nil, shared.ErrEventNotFound
	}
	return clone(e), nil
}

// Replay implements points.Ledger. Each range re-reads the ledger, so the
// sequence is restartable and sees events appended after it was created.
func (l *Ledger) Replay(ctx context.Context, userID string, afterSeq int64) iter.Seq2[*points.Event, error] {
	return func(yield func(*points.Event, error) bool) {
		next := afterSeq
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			l.mu.RLock()
			events := l.byUser[userID]
			var e *points.Event
			// Seq is dense and 1-based, so Seq n lives at index n-1.
			if next < int64(len(events)) {
				e = clone(events[next])
			}
			l.mu.RUnlock()
			if e == nil {
				return
			}
			next = e.Seq
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Counters implements points.Ledger.
func (l *Ledger) Counters(ctx context.Context, userID string) (*points.Counters, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.counters[userID]; ok {
		return c.Clone(), nil
	}
	return points.NewCounters(userID), nil
}

// Users implements points.Ledger.
func (l *Ledger) Users(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	l.mu.RLock()
	ids := make([]string, 0, len(l.byUser))
	for id := range l.byUser {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Len returns the number of stored events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Events returns a copy of a user's events in Seq order.
func (l *Ledger) Events(userID string) []*points.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*points.Event, 0, len(l.byUser[userID]))
	for _, e := range l.byUser[userID] {
		out = append(out, clone(e))
	}
	return slices.Clip(out)
}

func clone(e *points.Event) *points.Event {
	cp := *e
	return &cp
}
