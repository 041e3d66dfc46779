package achievement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	ledger   *memory.Ledger
	aggs     *aggregate.Service
	repo     *memory.AchievementRepository
	eval     *achievement.Evaluator
	notified atomic.Int32
}

func newEnv(t *testing.T, notifyErr error) *env {
	t.Helper()
	e := &env{
		ledger: memory.NewLedger(memory.LedgerConfig{}),
		repo:   memory.NewAchievementRepository(),
	}
	e.aggs = aggregate.NewService(memory.NewAggregateStore(), e.ledger, rank.DefaultCalculator(), aggregate.DefaultServiceConfig())
	notifier := achievement.NotifierFunc(func(context.Context, string, string) error {
		e.notified.Add(1)
		return notifyErr
	})
	eval, err := achievement.NewEvaluator(achievement.DefaultCatalog(), e.aggs, e.ledger, e.repo, notifier, achievement.DefaultEvaluatorConfig())
	require.NoError(t, err)
	e.eval = eval
	return e
}

func (e *env) record(t *testing.T, id, user string, typ points.EventType) {
	t.Helper()
	d, err := points.DefaultPolicy().DeltaFor(typ)
	require.NoError(t, err)
	_, _, err = e.ledger.Append(context.Background(), &points.Event{ID: id, UserID: user, Type: typ, PCDelta: d.PC, PConDelta: d.PCon})
	require.NoError(t, err)
	_, err = e.aggs.CatchUp(context.Background(), user)
	require.NoError(t, err)
}

func TestEvaluator_FirstQuestion(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.record(t, "q1", "u1", points.QuestionCreated)

	unlocks, err := e.eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "first_question", unlocks[0].AchievementID)
	assert.NotEmpty(t, unlocks[0].ID)
	assert.Equal(t, int32(1), e.notified.Load())

	agg, err := e.aggs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first_question"}, agg.Achievements)
}

func TestEvaluator_AtMostOnceUnderConcurrency(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.record(t, "q1", "u1", points.QuestionCreated)

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlocks, err := e.eval.Evaluate(ctx, "u1")
			assert.NoError(t, err)
			total.Add(int32(len(unlocks)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), total.Load())
	assert.Equal(t, 1, e.repo.Inserts())
	assert.Equal(t, int32(1), e.notified.Load())
}

func TestEvaluator_RepeatedEvaluationIsNoop(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.record(t, "q1", "u1", points.QuestionCreated)

	_, err := e.eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	e.eval.Forget("u1")
	unlocks, err := e.eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestEvaluator_NotifyFailureKeepsUnlock(t *testing.T) {
	e := newEnv(t, errors.New("broker down"))
	ctx := context.Background()
	e.record(t, "q1", "u1", points.QuestionCreated)

	unlocks, err := e.eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)

	stored, err := e.repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestEvaluator_ThresholdAndProgress(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		e.record(t, fmt.Sprintf("acc-%d", i), "u1", points.AnswerAccepted)
	}

	unlocks, err := e.eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(unlocks))
	for _, u := range unlocks {
		ids = append(ids, u.AchievementID)
	}
	assert.ElementsMatch(t, []string{"first_accepted_answer", "pc_100"}, ids)

	progress, err := e.eval.Progress(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, progress, achievement.DefaultCatalog().Len())
	for _, p := range progress {
		switch p.Definition.ID {
		case "helpful_contributor":
			assert.Equal(t, int64(4), p.Current)
			assert.Equal(t, int64(10), p.Target)
			assert.InDelta(t, 40.0, p.Percentage(), 0.001)
			assert.False(t, p.Earned)
		case "pc_100":
			assert.True(t, p.Earned)
			assert.NotNil(t, p.EarnedAt)
			assert.InDelta(t, 100.0, p.Percentage(), 0.001)
		}
	}
}

func TestLoginStreakPredicate(t *testing.T) {
	c := points.NewCounters("u1")
	day := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		c.Observe(&points.Event{Type: points.DailyLogin, Seq: int64(i + 1), CreatedAt: day.AddDate(0, 0, i)})
	}
	p := achievement.LoginStreak{Days: 7}
	assert.True(t, p.Evaluate(nil, c))
	cur, target := achievement.LoginStreak{Days: 30}.Progress(nil, c)
	assert.Equal(t, int64(7), cur)
	assert.Equal(t, int64(30), target)
}

func TestCatalog(t *testing.T) {
	c := achievement.DefaultCatalog()
	def, err := c.Find("knowledge_master")
	require.NoError(t, err)
	assert.Equal(t, achievement.Criteria{Kind: "points_threshold", Subject: "pc", Target: 1000}, def.Predicate.Criteria())

	_, err = c.Find("nope")
	assert.ErrorIs(t, err, shared.ErrAchievementNotFound)

	_, err = achievement.NewCatalog(
		achievement.Definition{ID: "a", Predicate: achievement.LoginStreak{Days: 1}},
		achievement.Definition{ID: "a", Predicate: achievement.LoginStreak{Days: 2}},
	)
	assert.ErrorIs(t, err, shared.ErrDuplicateAchievement)
}
