package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE STORE
// ══════════════════════════════════════════════════════════════════════════════

// AggregateStore is an in-memory aggregate.Store with version CAS.
type AggregateStore struct {
	mu   sync.RWMutex
	aggs map[string]*aggregate.Aggregate
}

var _ aggregate.Store = (*AggregateStore)(nil)

// NewAggregateStore creates an empty store.
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{aggs: make(map[string]*aggregate.Aggregate)}
}

// Get implements aggregate.Store.
func (s *AggregateStore) Get(ctx context.Context, userID string) (*aggregate.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggs[userID]
	if !ok {
		return nil, shared.ErrAggregateNotFound
	}
	return agg.Clone(), nil
}

// Save implements aggregate.Store.
func (s *AggregateStore) Save(ctx context.Context, agg *aggregate.Aggregate, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cur, ok := s.aggs[agg.UserID]; ok {
		current = cur.Version
	}
	if current != expectedVersion {
		return shared.ErrVersionConflict
	}
	agg.Version = expectedVersion + 1
	s.aggs[agg.UserID] = agg.Clone()
	return nil
}

// List implements aggregate.Store.
func (s *AggregateStore) List(ctx context.Context, afterUserID string, limit int) ([]*aggregate.Aggregate, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.aggs))
	for id := range s.aggs {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*aggregate.Aggregate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.aggs[id].Clone())
	}
	s.mu.RUnlock()
	return out, nil
}

// Corrupt overwrites a stored aggregate without a version check. Used to
// simulate drift.
func (s *AggregateStore) Corrupt(userID string, pc, pcon int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg, ok := s.aggs[userID]; ok {
		agg.PCPoints, agg.PConPoints = pc, pcon
	}
}
