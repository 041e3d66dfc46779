package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/keylock"
	"github.com/qahub/reputation-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// ServiceConfig configures the aggregate service.
type ServiceConfig struct {
	// MaxAttempts bounds version-conflict retries for a single write.
	MaxAttempts int

	// LockStripes is the number of in-process lock stripes.
	LockStripes int

	// OnConflict is called for every version conflict. Optional.
	OnConflict func(userID string, attempt int)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultServiceConfig returns sane defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxAttempts: 8,
		LockStripes: keylock.DefaultStripes,
	}
}

// Service updates aggregates. Writes for one user are serialized by a striped
// in-process lock and guarded across processes by the Store's version CAS.
type Service struct {
	store  Store
	ledger points.Ledger
	ranks  *rank.Calculator
	locks  *keylock.Striped
	config ServiceConfig
	logger *slog.Logger
}

// NewService creates an aggregate service.
func NewService(store Store, ledger points.Ledger, ranks *rank.Calculator, config ServiceConfig) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultServiceConfig().MaxAttempts
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ledger: ledger,
		ranks:  ranks,
		locks:  keylock.New(config.LockStripes),
		config: config,
		logger: logger.With("component", "aggregate"),
	}
}

// Ranks returns the calculator used to derive Rank.
func (s *Service) Ranks() *rank.Calculator {
	return s.ranks
}

// Change describes one successful write.
type Change struct {
	Before *Aggregate
	After  *Aggregate
	// Events are the ledger events folded by this write, in Seq order.
	Events []*points.Event
}

// RankChanged reports whether the write moved the user to another tier.
func (c *Change) RankChanged() bool {
	return c.Before.Rank != c.After.Rank
}

// Get returns the user's aggregate with Rank freshly derived. A user without
// any write yields the zero aggregate.
func (s *Service) Get(ctx context.Context, userID string) (*Aggregate, error) {
	agg, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	agg.Rank = s.ranks.Rank(agg.PCPoints, agg.PConPoints).Name
	return agg, nil
}

// Apply adds a delta to the user's totals, floored at zero, and bumps Version.
// When seq > 0 it is a ledger sequence number: the write is skipped (nil Change)
// if that Seq was already folded, so each ledger event lands at most once.
func (s *Service) Apply(ctx context.Context, userID string, delta points.Delta, seq int64) (*Change, error) {
	return s.update(ctx, userID, "Apply", func(next *Aggregate) ([]*points.Event, bool, error) {
		if seq > 0 {
			if seq <= next.AppliedSeq {
				return nil, false, nil
			}
			next.AppliedSeq = seq
		}
		next.Fold(delta)
		return nil, true, nil
	})
}

// CatchUp folds every ledger event after the stored AppliedSeq in Seq order.
// It returns nil when the aggregate is already current.
func (s *Service) CatchUp(ctx context.Context, userID string) (*Change, error) {
	return s.update(ctx, userID, "CatchUp", func(next *Aggregate) ([]*points.Event, bool, error) {
		var folded []*points.Event
		for e, err := range s.ledger.Replay(ctx, userID, next.AppliedSeq) {
			if err != nil {
				return nil, false, err
			}
			next.Fold(e.Delta())
			next.AppliedSeq = e.Seq
			folded = append(folded, e)
		}
		return folded, len(folded) > 0, nil
	})
}

// GrantAchievements adds ids to the user's unlocked set.
func (s *Service) GrantAchievements(ctx context.Context, userID string, ids ...string) (*Change, error) {
	return s.update(ctx, userID, "GrantAchievements", func(next *Aggregate) ([]*points.Event, bool, error) {
		changed := false
		for _, id := range ids {
			if next.AddAchievement(id) {
				changed = true
			}
		}
		return nil, changed, nil
	})
}

// ReconcileResult is the outcome of a full replay.
type ReconcileResult struct {
	// Corrected is true when the stored totals disagreed with the ledger.
	Corrected bool
	// Stored are the totals found before reconciliation.
	Stored Totals
	// Expected are the replayed totals at the stored AppliedSeq.
	Expected Totals
	// ThroughSeq is the last ledger Seq folded by the replay.
	ThroughSeq    int64
	StoredVersion int64
	// Updated is true when the stored aggregate was rewritten, either to
	// correct drift or to fold events it had not caught up with.
	Updated   bool
	Aggregate *Aggregate
}

// Reconcile recomputes the user's totals from the full ledger and overwrites
// the stored aggregate when it disagrees. Events the aggregate simply has not
// caught up with yet are folded too, but do not count as a correction.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	var result *ReconcileResult
	err := s.withRetry(ctx, userID, "Reconcile", func(ctx context.Context) error {
		stored, err := s.store.Get(ctx, userID)
		exists := true
		if errors.Is(err, shared.ErrAggregateNotFound) {
			stored, exists, err = New(userID), false, nil
		}
		if err != nil {
			return err
		}

		var full, atStored Totals
		var lastSeq int64
		replay := New(userID)
		for e, err := range s.ledger.Replay(ctx, userID, 0) {
			if err != nil {
				return err
			}
			replay.Fold(e.Delta())
			lastSeq = e.Seq
			if e.Seq <= stored.AppliedSeq {
				atStored = replay.Balances()
			}
		}
		full = replay.Balances()

		res := &ReconcileResult{
			Stored:        stored.Balances(),
			Expected:      atStored,
			ThroughSeq:    lastSeq,
			StoredVersion: stored.Version,
		}
		if !exists && lastSeq == 0 {
			stored.Rank = s.ranks.Rank(0, 0).Name
			res.Aggregate = stored
			result = res
			return nil
		}
		switch {
		case !exists:
			res.Corrected = lastSeq > 0
		case stored.AppliedSeq > lastSeq:
			res.Corrected = true
		default:
			res.Corrected = stored.Balances() != atStored
		}

		derived := s.ranks.Rank(full.PC, full.PCon).Name
		if !res.Corrected && stored.AppliedSeq == lastSeq && stored.Rank == derived {
			res.Aggregate = stored
			result = res
			return nil
		}

		next := stored.Clone()
		next.PCPoints, next.PConPoints = full.PC, full.PCon
		next.AppliedSeq = lastSeq
		next.Rank = derived
		next.UpdatedAt = s.config.Now()
		if err := s.store.Save(ctx, next, stored.Version); err != nil {
			return err
		}
		res.Updated = true
		res.Aggregate = next
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Corrected {
		s.logger.Warn("aggregate drift corrected",
			slog.String("user_id", userID),
			slog.Int64("stored_pc", result.Stored.PC),
			slog.Int64("stored_pcon", result.Stored.PCon),
			slog.Int64("expected_pc", result.Expected.PC),
			slog.Int64("expected_pcon", result.Expected.PCon),
			slog.Int64("through_seq", result.ThroughSeq),
		)
	}
	return result, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// internals
// ──────────────────────────────────────────────────────────────────────────────

type mutation func(next *Aggregate) (events []*points.Event, changed bool, err error)

func (s *Service) update(ctx context.Context, userID, op string, mutate mutation) (*Change, error) {
	if userID == "" {
		return nil, shared.ErrUserIDRequired
	}
	var change *Change
	err := s.withRetry(ctx, userID, op, func(ctx context.Context) error {
		before, err := s.load(ctx, userID)
		if err != nil {
			return err
		}
		before.Rank = s.ranks.Rank(before.PCPoints, before.PConPoints).Name

		next := before.Clone()
		events, changed, err := mutate(next)
		if err != nil {
			return err
		}
		if !changed {
			change = nil
			return nil
		}
		next.Rank = s.ranks.Rank(next.PCPoints, next.PConPoints).Name
		next.UpdatedAt = s.config.Now()
		if err := s.store.Save(ctx, next, before.Version); err != nil {
			return err
		}
		change = &Change{Before: before, After: next, Events: events}
		return nil
	})
	return change, err
}

// withRetry holds the user's stripe and retries fn on version conflicts.
func (s *Service) withRetry(ctx context.Context, userID, op string, fn func(context.Context) error) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	attempt := 0
	retrier := retry.VersionConflictRetrier(s.config.MaxAttempts, func(err error) bool {
		return errors.Is(err, shared.ErrVersionConflict)
	})
	err := retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, shared.ErrVersionConflict) && s.config.OnConflict != nil {
			s.config.OnConflict(userID, attempt)
		}
		return err
	})
	if errors.Is(err, shared.ErrVersionConflict) {
		s.logger.Error("giving up after version conflicts",
			slog.String("user_id", userID),
			slog.String("op", op),
			slog.Int("attempts", attempt),
		)
		return shared.WrapError("aggregate", "Apply", shared.ErrConcurrentModification,
			shared.ErrApplyExhausted.Message, fmt.Errorf("%s user=%s attempts=%d", op, userID, attempt))
	}
	return err
}

func (s *Service) load(ctx context.Context, userID string) (*Aggregate, error) {
	agg, err := s.store.Get(ctx, userID)
	if errors.Is(err, shared.ErrAggregateNotFound) {
		return New(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s: %w", userID, err)
	}
	return agg, nil
}
