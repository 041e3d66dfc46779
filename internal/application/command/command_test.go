package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/memory"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURE
// ══════════════════════════════════════════════════════════════════════════════

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(ev shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t shared.EventType) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, ev := range r.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

type countingMetrics struct {
	mu         sync.Mutex
	recorded   int
	duplicates int
	ranks      []string
	drift      int
}

func (m *countingMetrics) EventRecorded(_ string, duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded++
	if duplicate {
		m.duplicates++
	}
}

func (m *countingMetrics) RankChanged(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranks = append(m.ranks, from+"->"+to)
}

func (m *countingMetrics) DriftCorrected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift++
}

type fixture struct {
	ledger    *memory.Ledger
	store     *memory.AggregateStore
	aggs      *aggregate.Service
	bus       *recorder
	metrics   *countingMetrics
	record    *RecordEventHandler
	adjust    *AdjustPointsHandler
	reconcile *ReconcileUserHandler
}

var allowModerators = AuthorizerFunc(func(_ context.Context, actor points.Actor) error {
	if actor.ID == "mod-1" {
		return nil
	}
	return errors.New("not an admin")
})

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  memory.NewLedger(memory.LedgerConfig{}),
		store:   memory.NewAggregateStore(),
		bus:     &recorder{},
		metrics: &countingMetrics{},
	}
	f.aggs = aggregate.NewService(f.store, f.ledger, rank.DefaultCalculator(), aggregate.DefaultServiceConfig())
	f.record = NewRecordEventHandler(f.ledger, points.DefaultPolicy(), f.aggs, f.bus,
		RecordEventHandlerConfig{Metrics: f.metrics})
	f.adjust = NewAdjustPointsHandler(f.ledger, f.aggs, allowModerators, f.bus,
		AdjustPointsHandlerConfig{Metrics: f.metrics})
	f.reconcile = NewReconcileUserHandler(f.aggs, f.bus, f.metrics, nil)
	return f
}

func (f *fixture) recordOK(t *testing.T, id, user string, typ points.EventType) *Outcome {
	t.Helper()
	out, err := f.record.Handle(context.Background(), RecordEventCommand{EventID: id, UserID: user, EventType: string(typ)})
	require.NoError(t, err)
	return out
}

func (f *fixture) read(t *testing.T, user string) *aggregate.Aggregate {
	t.Helper()
	agg, err := f.aggs.Get(context.Background(), user)
	require.NoError(t, err)
	return agg
}

// ══════════════════════════════════════════════════════════════════════════════
// SCENARIOS
// ══════════════════════════════════════════════════════════════════════════════

func TestScenario_FirstQuestionStaysIniciante(t *testing.T) {
	f := newFixture(t)

	fresh := f.read(t, "alice")
	assert.Equal(t, int64(0), fresh.PCPoints)
	assert.Equal(t, int64(0), fresh.PConPoints)
	assert.Equal(t, "Iniciante", fresh.Rank)

	out := f.recordOK(t, "q-1", "alice", points.QuestionCreated)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(5), out.Aggregate.PCPoints)
	assert.Equal(t, int64(2), out.Aggregate.PConPoints)
	assert.Equal(t, "Iniciante", out.Aggregate.Rank)
	assert.False(t, out.RankChanged())
	assert.Len(t, f.bus.ofType(shared.EventPointsApplied), 1)
}

// climbToEspecialista records events that total exactly (150, 75).
func climbToEspecialista(t *testing.T, f *fixture, user string) *Outcome {
	t.Helper()
	f.recordOK(t, user+"-q", user, points.QuestionCreated)
	for i := range 14 {
		f.recordOK(t, fmt.Sprintf("%s-profile-%d", user, i), user, points.ProfileCompleted)
	}
	f.recordOK(t, user+"-up", user, points.UpvoteReceived)

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := f.record.Handle(context.Background(), RecordEventCommand{
		EventID: user + "-login-1", UserID: user, EventType: string(points.DailyLogin), OccurredAt: day,
	})
	require.NoError(t, err)

	before := f.read(t, user)
	require.Equal(t, int64(149), before.PCPoints)
	require.Equal(t, int64(74), before.PConPoints)
	require.Equal(t, "Colaborador", before.Rank)

	out, err := f.record.Handle(context.Background(), RecordEventCommand{
		EventID: user + "-login-2", UserID: user, EventType: string(points.DailyLogin), OccurredAt: day.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	return out
}

func TestScenario_ExactThresholdReachesEspecialista(t *testing.T) {
	f := newFixture(t)

	out := climbToEspecialista(t, f, "bob")
	assert.Equal(t, int64(150), out.Aggregate.PCPoints)
	assert.Equal(t, int64(75), out.Aggregate.PConPoints)
	assert.Equal(t, "Especialista", out.Aggregate.Rank)
	assert.True(t, out.RankChanged())
	assert.Equal(t, "Colaborador", out.PreviousRank)
	assert.Equal(t, "Especialista", f.read(t, "bob").Rank)

	changes := f.bus.ofType(shared.EventRankChanged)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1].(shared.RankChangedEvent)
	assert.Equal(t, "Especialista", last.NewRank)
	assert.Contains(t, f.metrics.ranks, "Colaborador->Especialista")
}

func TestScenario_DuplicateEventAppliedOnce(t *testing.T) {
	f := newFixture(t)

	first := f.recordOK(t, "acc-1", "carol", points.AnswerAccepted)
	second := f.recordOK(t, "acc-1", "carol", points.AnswerAccepted)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.Seq, second.Event.Seq)
	assert.Equal(t, int64(25), second.Aggregate.PCPoints)
	assert.Equal(t, int64(5), second.Aggregate.PConPoints)
	assert.Equal(t, first.Aggregate.Version, second.Aggregate.Version)
	assert.Equal(t, 1, f.ledger.Len())
	assert.Len(t, f.bus.ofType(shared.EventPointsApplied), 1)
	assert.Equal(t, 1, f.metrics.duplicates)
}

func TestScenario_ConcurrentUpvotesNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	before := f.read(t, "dave")

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.record.Handle(context.Background(), RecordEventCommand{
				EventID:   fmt.Sprintf("up-%d", i),
				UserID:    "dave",
				EventType: string(points.UpvoteReceived),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	after := f.read(t, "dave")
	assert.Equal(t, before.PCPoints+300, after.PCPoints)
	assert.Equal(t, before.PConPoints+100, after.PConPoints)
	assert.Equal(t, int64(100), after.AppliedSeq)
	assert.Len(t, f.bus.ofType(shared.EventPointsApplied), 100)
}

func TestScenario_DownvotesDropRank(t *testing.T) {
	f := newFixture(t)
	climbToEspecialista(t, f, "erin")
	require.Equal(t, "Especialista", f.read(t, "erin").Rank)

	out := f.recordOK(t, "down-1", "erin", points.DownvoteReceived)
	assert.Equal(t, int64(149), out.Aggregate.PCPoints)
	assert.Equal(t, "Colaborador", out.Aggregate.Rank)
	assert.Equal(t, "Especialista", out.PreviousRank)

	assert.Equal(t, "Colaborador", f.read(t, "erin").Rank)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROPERTIES
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_ConcurrentDuplicatesAppliedOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.record.Handle(context.Background(), RecordEventCommand{
				EventID: "same", UserID: "frank", EventType: string(points.AnswerValidated),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	agg := f.read(t, "frank")
	assert.Equal(t, int64(10), agg.PCPoints)
	assert.Equal(t, int64(3), agg.PConPoints)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestRecordEvent_ConservationWithFloor(t *testing.T) {
	f := newFixture(t)

	// A downvote on an empty balance is floored, not carried as debt.
	out := f.recordOK(t, "d-1", "gina", points.DownvoteReceived)
	assert.Equal(t, int64(0), out.Aggregate.PCPoints)

	f.recordOK(t, "u-1", "gina", points.UpvoteReceived)
	f.recordOK(t, "u-2", "gina", points.UpvoteReceived)
	f.recordOK(t, "d-2", "gina", points.DownvoteReceived)
	f.recordOK(t, "v-1", "gina", points.AnswerValidated)

	agg := f.read(t, "gina")
	assert.Equal(t, int64(3+3-1+10), agg.PCPoints)
	assert.Equal(t, int64(1+1+0+3), agg.PConPoints)
	assert.Equal(t, int64(5), agg.Version)
}

func TestRecordEvent_RepairsUnfoldedEvent(t *testing.T) {
	f := newFixture(t)

	// The ledger write succeeded but the process died before the fold.
	_, inserted, err := f.ledger.Append(context.Background(), &points.Event{
		ID: "acc-9", UserID: "hank", Type: points.AnswerAccepted, PCDelta: 25, PConDelta: 5,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, int64(0), f.read(t, "hank").PCPoints)

	out := f.recordOK(t, "acc-9", "hank", points.AnswerAccepted)
	assert.True(t, out.Duplicate)
	assert.Equal(t, int64(25), out.Aggregate.PCPoints)
	assert.Equal(t, int64(1), out.Aggregate.AppliedSeq)

	again := f.recordOK(t, "acc-9", "hank", points.AnswerAccepted)
	assert.Equal(t, int64(25), again.Aggregate.PCPoints)
	assert.Len(t, f.bus.ofType(shared.EventPointsApplied), 1)
}

func TestRecordEvent_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  RecordEventCommand
	}{
		{"missing event id", RecordEventCommand{UserID: "u", EventType: "upvote_received"}},
		{"missing user", RecordEventCommand{EventID: "e", EventType: "upvote_received"}},
		{"unknown type", RecordEventCommand{EventID: "e", UserID: "u", EventType: "bounty_awarded"}},
		{"adjustment through record", RecordEventCommand{EventID: "e", UserID: "u", EventType: "admin_adjustment"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.record.Handle(ctx, tt.cmd)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), err.Error())
		})
	}
	assert.Equal(t, 0, f.ledger.Len())
}

// ══════════════════════════════════════════════════════════════════════════════
// ADJUSTMENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestAdjustPoints_RequiresAuthorizedActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.adjust.Handle(ctx, AdjustPointsCommand{EventID: "adj-1", UserID: "ivy", PCDelta: 50})
	assert.True(t, shared.IsUnauthorized(err))

	_, err = f.adjust.Handle(ctx, AdjustPointsCommand{
		EventID: "adj-1", UserID: "ivy", PCDelta: 50, Actor: points.Actor{ID: "mallory"},
	})
	assert.True(t, shared.IsUnauthorized(err))
	assert.Equal(t, 0, f.ledger.Len())

	_, err = f.adjust.Handle(ctx, AdjustPointsCommand{EventID: "adj-1", UserID: "ivy", Actor: points.Actor{ID: "mod-1"}})
	assert.True(t, shared.IsValidation(err))
}

func TestAdjustPoints_AppliesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recordOK(t, "q-1", "jack", points.QuestionCreated)

	cmd := AdjustPointsCommand{
		EventID: "adj-2", UserID: "jack", PCDelta: -20, PConDelta: 30,
		Actor: points.Actor{ID: "mod-1"}, Reason: "spam cleanup",
	}
	out, err := f.adjust.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(0), out.Aggregate.PCPoints)
	assert.Equal(t, int64(32), out.Aggregate.PConPoints)
	assert.Equal(t, points.AdminAdjustment, out.Event.Type)
	assert.Equal(t, "mod-1", out.Event.ActorID)
	assert.Equal(t, "spam cleanup", out.Event.Reason)

	again, err := f.adjust.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(32), again.Aggregate.PConPoints)
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION
// ══════════════════════════════════════════════════════════════════════════════

func TestReconcileUser_CorrectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recordOK(t, "a-1", "kim", points.AnswerAccepted)
	f.recordOK(t, "a-2", "kim", points.AnswerValidated)

	res, err := f.reconcile.Handle(ctx, ReconcileUserCommand{UserID: "kim"})
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	assert.Empty(t, f.bus.ofType(shared.EventAggregateDriftCorrected))

	f.store.Corrupt("kim", 999, 1)
	res, err = f.reconcile.Handle(ctx, ReconcileUserCommand{UserID: "kim"})
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.Equal(t, int64(999), res.Stored.PC)
	assert.Equal(t, int64(35), res.Expected.PC)
	assert.Equal(t, 1, f.metrics.drift)

	agg := f.read(t, "kim")
	assert.Equal(t, int64(35), agg.PCPoints)
	assert.Equal(t, int64(8), agg.PConPoints)

	drift := f.bus.ofType(shared.EventAggregateDriftCorrected)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(35), drift[0].(shared.AggregateDriftCorrectedEvent).ReplayedPC)

	_, err = f.reconcile.Handle(ctx, ReconcileUserCommand{})
	assert.True(t, shared.IsValidation(err))
}

func TestReconcileUser_AnnouncesRewrittenTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// events that reached the ledger but were never folded
	for i := range 3 {
		_, _, err := f.ledger.Append(ctx, &points.Event{
			ID: fmt.Sprintf("up-%d", i), UserID: "lee", Type: points.UpvoteReceived,
			PCDelta: 3, PConDelta: 1, CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	res, err := f.reconcile.Handle(ctx, ReconcileUserCommand{UserID: "lee"})
	require.NoError(t, err)
	require.True(t, res.Updated)

	applied := f.bus.ofType(shared.EventPointsApplied)
	require.Len(t, applied, 1)
	ev := applied[0].(shared.PointsAppliedEvent)
	assert.Equal(t, "lee", ev.UserID)
	assert.Equal(t, ReconcilePointType, ev.PointType)
	assert.Equal(t, int64(9), ev.PCDelta)
	assert.Equal(t, int64(9), ev.PCPoints)
	assert.Equal(t, int64(3), ev.PConPoints)
	assert.Equal(t, res.Aggregate.Version, ev.AggVersion)

	// nothing to rewrite, nothing to announce
	res, err = f.reconcile.Handle(ctx, ReconcileUserCommand{UserID: "lee"})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Len(t, f.bus.ofType(shared.EventPointsApplied), 1)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECK ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

func newChecker(t *testing.T, f *fixture) *CheckAchievementsHandler {
	t.Helper()
	cfg := achievement.DefaultEvaluatorConfig()
	cfg.Notify = false
	eval, err := achievement.NewEvaluator(achievement.DefaultCatalog(), f.aggs, f.ledger, memory.NewAchievementRepository(), nil, cfg)
	require.NoError(t, err)
	return NewCheckAchievementsHandler(eval, f.ledger, f.bus, nil)
}

func TestCheckAchievements_UnlocksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	check := newChecker(t, f)
	f.recordOK(t, "q-1", "mia", points.QuestionCreated)

	res, err := check.Handle(ctx, CheckAchievementsCommand{UserID: "mia"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first_question"}, res.Unlocked)
	assert.Len(t, f.bus.ofType(shared.EventAchievementUnlocked), 1)

	res, err = check.Handle(ctx, CheckAchievementsCommand{UserID: "mia"})
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)
	assert.NotNil(t, res.Unlocked)
	assert.Contains(t, f.read(t, "mia").Achievements, "first_question")

	_, err = check.Handle(ctx, CheckAchievementsCommand{})
	assert.ErrorIs(t, err, shared.ErrUserIDRequired)
}

func TestCheckAchievements_SweepsEveryUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	check := newChecker(t, f)
	check.pageSize = 1
	f.recordOK(t, "q-1", "ann", points.QuestionCreated)
	f.recordOK(t, "a-1", "ben", points.AnswerAccepted)
	f.recordOK(t, "d-1", "cal", points.DownvoteReceived)

	sum, err := check.HandleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckAllResult{Users: 3, Unlocked: 2}, *sum)

	sum, err = check.HandleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckAllResult{Users: 3}, *sum)

	_, err = NewCheckAchievementsHandler(check.evaluator, nil, nil, nil).HandleAll(ctx)
	assert.Error(t, err)
}
