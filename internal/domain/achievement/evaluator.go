package achievement

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// AggregateAccess is the part of the aggregate service the evaluator needs.
type AggregateAccess interface {
	Get(ctx context.Context, userID string) (*aggregate.Aggregate, error)
	GrantAchievements(ctx context.Context, userID string, ids ...string) (*aggregate.Change, error)
}

// CounterSource provides ledger-derived counters.
type CounterSource interface {
	Counters(ctx context.Context, userID string) (*points.Counters, error)
}

// EvaluatorConfig configures the evaluator.
type EvaluatorConfig struct {
	// CacheSize bounds the number of users whose unlocked set is cached.
	CacheSize int

	// Notify toggles unlock notifications.
	Notify bool

	// OnNotifyError is called when the notifier rejects a hand-off. Optional.
	OnNotifyError func(userID, achievementID string, err error)

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// DefaultEvaluatorConfig returns sane defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{CacheSize: 10_000, Notify: true}
}

type unlockedSet map[string]struct{}

// Evaluator unlocks achievements whose predicates hold for a user.
type Evaluator struct {
	catalog  *Catalog
	aggs     AggregateAccess
	counters CounterSource
	repo     Repository
	notifier Notifier
	cache    *lru.Cache[string, unlockedSet]
	config   EvaluatorConfig
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator. notifier may be nil.
func NewEvaluator(catalog *Catalog, aggs AggregateAccess, counters CounterSource, repo Repository, notifier Notifier, config EvaluatorConfig) (*Evaluator, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultEvaluatorConfig().CacheSize
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, unlockedSet](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("achievement: create unlock cache: %w", err)
	}
	return &Evaluator{
		catalog:  catalog,
		aggs:     aggs,
		counters: counters,
		repo:     repo,
		notifier: notifier,
		cache:    cache,
		config:   config,
		logger:   logger.With("component", "achievement_evaluator"),
	}, nil
}

// Catalog returns the evaluator's catalog.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// Evaluate checks every not-yet-unlocked definition against the user's current
// aggregate and counters and inserts the ones that hold. It is safe to call
// repeatedly and concurrently: the repository's conditional insert decides
// which call wins, and only the winner notifies.
func (e *Evaluator) Evaluate(ctx context.Context, userID string) ([]*Unlock, error) {
	agg, err := e.aggs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: load aggregate: %w", err)
	}
	counters, err := e.counters.Counters(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: load counters: %w", err)
	}
	have, err := e.unlocked(ctx, userID)
	if err != nil {
		return nil, err
	}

	var fresh []*Unlock
	grown := false
	for _, def := range e.catalog.defs {
		if _, ok := have[def.ID]; ok {
			continue
		}
		if !def.Predicate.Evaluate(agg, counters) {
			continue
		}
		u := &Unlock{
			ID:            e.config.NewID(),
			UserID:        userID,
			AchievementID: def.ID,
			UnlockedAt:    e.config.Now(),
		}
		inserted, err := e.repo.Insert(ctx, u)
		if err != nil {
			return fresh, fmt.Errorf("achievement: insert %s: %w", def.ID, err)
		}
		if !grown {
			have = cloneSet(have)
			grown = true
		}
		have[def.ID] = struct{}{}
		if inserted {
			fresh = append(fresh, u)
		}
	}
	if grown {
		e.cache.Add(userID, have)
	}

	if missing := missingFrom(agg, have); len(missing) > 0 {
		if _, err := e.aggs.GrantAchievements(ctx, userID, missing...); err != nil {
			return fresh, fmt.Errorf("achievement: record on aggregate: %w", err)
		}
	}

	for _, u := range fresh {
		e.logger.Info("achievement unlocked",
			slog.String("user_id", userID),
			slog.String("achievement_id", u.AchievementID),
		)
		e.notify(ctx, u)
	}
	return fresh, nil
}

// Progress is a user's standing against one definition.
type Progress struct {
	Definition Definition
	Current    int64
	Target     int64
	Earned     bool
	EarnedAt   *time.Time
}

// Percentage returns progress in [0, 100].
func (p Progress) Percentage() float64 {
	if p.Earned || p.Target <= 0 {
		return 100
	}
	return float64(p.Current) * 100 / float64(p.Target)
}

// Progress reports the user's standing against every definition in catalog order.
func (e *Evaluator) Progress(ctx context.Context, userID string) ([]Progress, error) {
	agg, err := e.aggs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: load aggregate: %w", err)
	}
	counters, err := e.counters.Counters(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: load counters: %w", err)
	}
	unlocks, err := e.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: list unlocks: %w", err)
	}
	earned := make(map[string]time.Time, len(unlocks))
	for _, u := range unlocks {
		earned[u.AchievementID] = u.UnlockedAt
	}

	out := make([]Progress, 0, len(e.catalog.defs))
	for _, def := range e.catalog.defs {
		cur, target := def.Predicate.Progress(agg, counters)
		p := Progress{Definition: def, Current: cur, Target: target}
		if at, ok := earned[def.ID]; ok {
			p.Earned = true
			p.EarnedAt = &at
			p.Current = target
		}
		out = append(out, p)
	}
	return out, nil
}

// Forget drops the cached unlocked set for a user.
func (e *Evaluator) Forget(userID string) {
	e.cache.Remove(userID)
}

func (e *Evaluator) unlocked(ctx context.Context, userID string) (unlockedSet, error) {
	if set, ok := e.cache.Get(userID); ok {
		return set, nil
	}
	unlocks, err := e.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("achievement: list unlocks: %w", err)
	}
	set := make(unlockedSet, len(unlocks))
	for _, u := range unlocks {
		set[u.AchievementID] = struct{}{}
	}
	e.cache.Add(userID, set)
	return set, nil
}

func (e *Evaluator) notify(ctx context.Context, u *Unlock) {
	if e.notifier == nil || !e.config.Notify {
		return
	}
	if err := e.notifier.NotifyAchievementUnlocked(ctx, u.UserID, u.AchievementID); err != nil {
		e.logger.Warn("unlock notification not handed off",
			slog.String("user_id", u.UserID),
			slog.String("achievement_id", u.AchievementID),
			slog.String("error", err.Error()),
		)
		if e.config.OnNotifyError != nil {
			e.config.OnNotifyError(u.UserID, u.AchievementID, err)
		}
	}
}

func cloneSet(s unlockedSet) unlockedSet {
	out := make(unlockedSet, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// missingFrom returns ids in have that the aggregate does not list yet.
func missingFrom(agg *aggregate.Aggregate, have unlockedSet) []string {
	var missing []string
	for id := range have {
		if !agg.HasAchievement(id) {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}
