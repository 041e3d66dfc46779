package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rwTx       = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	eventCols  = []string{"event_id", "user_id", "seq", "event_type", "pc_delta", "pcon_delta", "source_entity_id", "actor_id", "reason", "created_at"}
	counterCol = []string{"last_seq", "by_type", "login_streak", "best_login_streak", "last_login_day"}
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newLedger(pool pgxmock.PgxPoolIface, guard bool) *LedgerRepository {
	return NewLedgerRepository(pool, LedgerConfig{
		OneLoginPerDay:  guard,
		ReplayBatchSize: 2,
		Now:             func() time.Time { return testNow },
	})
}

func expectLockCounters(pool pgxmock.PgxPoolIface, userID string, lastSeq int64, byType string) {
	pool.ExpectExec("INSERT INTO user_counters").WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	pool.ExpectQuery("SELECT last_seq, by_type").WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(counterCol).AddRow(lastSeq, []byte(byType), 0, 0, pgtype.Date{}))
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

func TestLedger_AppendAssignsNextSeq(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, true)

	pool.ExpectBeginTx(rwTx)
	expectLockCounters(pool, "u1", 2, `{"question_created":2}`)
	pool.ExpectQuery(`WHERE event_id = \$1`).WithArgs("e3").
		WillReturnRows(pgxmock.NewRows(eventCols))
	pool.ExpectExec("INSERT INTO point_events").
		WithArgs("e3", "u1", int64(3), "answer_accepted", int64(25), int64(5), "a-9", "", "", pgtype.Date{}, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("UPDATE user_counters").
		WithArgs("u1", int64(3), pgxmock.AnyArg(), 0, 0, pgtype.Date{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	stored, inserted, err := ledger.Append(context.Background(), &points.Event{
		ID: "e3", UserID: "u1", Type: points.AnswerAccepted, PCDelta: 25, PConDelta: 5, SourceEntityID: "a-9",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(3), stored.Seq)
	assert.Equal(t, testNow, stored.CreatedAt)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLedger_AppendDuplicateReturnsPrior(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, true)

	pool.ExpectBeginTx(rwTx)
	expectLockCounters(pool, "u1", 1, `{"question_created":1}`)
	pool.ExpectQuery(`WHERE event_id = \$1`).WithArgs("e1").
		WillReturnRows(pgxmock.NewRows(eventCols).
			AddRow("e1", "u1", int64(1), "question_created", int64(5), int64(2), "", "", "", testNow))
	pool.ExpectCommit()

	stored, inserted, err := ledger.Append(context.Background(), &points.Event{
		ID: "e1", UserID: "u1", Type: points.QuestionCreated, PCDelta: 5, PConDelta: 2,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), stored.Seq)
	assert.Equal(t, points.QuestionCreated, stored.Type)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLedger_DailyLoginGuard(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, true)

	pool.ExpectBeginTx(rwTx)
	expectLockCounters(pool, "u1", 4, `{"daily_login":4}`)
	pool.ExpectQuery(`WHERE event_id = \$1`).WithArgs("login-2").
		WillReturnRows(pgxmock.NewRows(eventCols))
	pool.ExpectQuery(`login_day = \$2`).
		WithArgs("u1", pgtype.Date{Time: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Valid: true}).
		WillReturnRows(pgxmock.NewRows(eventCols).
			AddRow("login-1", "u1", int64(4), "daily_login", int64(1), int64(1), "", "", "", testNow.Add(-time.Hour)))
	pool.ExpectCommit()

	stored, inserted, err := ledger.Append(context.Background(), &points.Event{
		ID: "login-2", UserID: "u1", Type: points.DailyLogin, PCDelta: 1, PConDelta: 1,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "login-1", stored.ID)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLedger_TransientFailureIsRetryableLedgerWrite(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	pool.ExpectBeginTx(rwTx).WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	_, _, err := ledger.Append(context.Background(), &points.Event{ID: "e1", UserID: "u1", Type: points.QuestionCreated})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrLedgerWrite)
	assert.True(t, shared.IsRetryable(err))
}

func TestLedger_AppendRejectsInvalidEvent(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	_, _, err := ledger.Append(context.Background(), &points.Event{UserID: "u1", Type: points.QuestionCreated})
	assert.ErrorIs(t, err, shared.ErrEventIDRequired)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLedger_ReplayPagesInSeqOrder(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	row := func(id string, seq int64) []any {
		return []any{id, "u1", seq, "upvote_received", int64(3), int64(1), "", "", "", testNow}
	}
	pool.ExpectQuery("ORDER BY seq ASC").WithArgs("u1", int64(0), 2).
		WillReturnRows(pgxmock.NewRows(eventCols).AddRow(row("e1", 1)...).AddRow(row("e2", 2)...))
	pool.ExpectQuery("ORDER BY seq ASC").WithArgs("u1", int64(2), 2).
		WillReturnRows(pgxmock.NewRows(eventCols).AddRow(row("e3", 3)...))

	var seqs []int64
	for e, err := range ledger.Replay(context.Background(), "u1", 0) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLedger_ReplayPropagatesErrors(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	boom := errors.New("connection reset")
	pool.ExpectQuery("ORDER BY seq ASC").WillReturnError(boom)

	for _, err := range ledger.Replay(context.Background(), "u1", 5) {
		assert.ErrorIs(t, err, boom)
	}
}

func TestLedger_CountersUnknownUser(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	pool.ExpectQuery("FROM user_counters").WithArgs("ghost").WillReturnRows(pgxmock.NewRows(counterCol))

	c, err := ledger.Counters(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.LastSeq)
	assert.Equal(t, int64(0), c.Count(points.QuestionCreated))
}

func TestLedger_CountersDecodesJSON(t *testing.T) {
	pool := newMock(t)
	ledger := newLedger(pool, false)

	day := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	pool.ExpectQuery("FROM user_counters").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(counterCol).
			AddRow(int64(7), []byte(`{"answer_accepted":3,"daily_login":4}`), 2, 5, pgtype.Date{Time: day, Valid: true}))

	c, err := ledger.Counters(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Count(points.AnswerAccepted))
	assert.Equal(t, 5, c.BestLoginStreak)
	assert.Equal(t, day, c.LastLoginDay)
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATES
// ══════════════════════════════════════════════════════════════════════════════

func TestAggregateRepository_SaveCAS(t *testing.T) {
	pool := newMock(t)
	repo := NewAggregateRepository(pool)
	ctx := context.Background()

	agg := &aggregate.Aggregate{UserID: "u1", PCPoints: 5, PConPoints: 2, Rank: "Iniciante", AppliedSeq: 1, UpdatedAt: testNow}

	pool.ExpectExec("INSERT INTO user_aggregates").
		WithArgs("u1", int64(5), int64(2), "Iniciante", []string{}, int64(1), int64(1), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Save(ctx, agg, 0))
	assert.Equal(t, int64(1), agg.Version)

	pool.ExpectExec("UPDATE user_aggregates").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	agg.PCPoints = 8
	err := repo.Save(ctx, agg, 1)
	assert.ErrorIs(t, err, shared.ErrVersionConflict)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, int64(1), agg.Version)

	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestAggregateRepository_GetMissing(t *testing.T) {
	pool := newMock(t)
	repo := NewAggregateRepository(pool)

	pool.ExpectQuery("FROM user_aggregates").WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}))

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, shared.ErrAggregateNotFound)
}

func TestAggregateRepository_List(t *testing.T) {
	pool := newMock(t)
	repo := NewAggregateRepository(pool)

	cols := []string{"user_id", "pc_points", "pcon_points", "rank", "achievements", "version", "applied_seq", "updated_at"}
	pool.ExpectQuery("WHERE user_id > \\$1").WithArgs("", 2).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("a", int64(10), int64(4), "Iniciante", []string{"first_question"}, int64(3), int64(3), testNow).
			AddRow("b", int64(0), int64(0), "Iniciante", []string(nil), int64(1), int64(1), testNow))

	aggs, err := repo.List(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, []string{"first_question"}, aggs[0].Achievements)
	assert.Equal(t, []string{}, aggs[1].Achievements)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestAchievementRepository_InsertOnce(t *testing.T) {
	pool := newMock(t)
	repo := NewAchievementRepository(pool)
	ctx := context.Background()
	u := &achievement.Unlock{ID: "11111111-1111-1111-1111-111111111111", UserID: "u1", AchievementID: "first_question", UnlockedAt: testNow}

	pool.ExpectExec("INSERT INTO achievement_unlocks").
		WithArgs(u.ID, "u1", "first_question", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO achievement_unlocks").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := repo.Insert(ctx, u)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, u)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

func expectVersion(pool pgxmock.PgxPoolIface, version int, done bool) {
	pool.ExpectBeginTx(rwTx)
	pool.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	pool.ExpectQuery("FROM schema_migrations WHERE version").WithArgs(version).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(done))
}

func TestMigrator_SkipsAppliedAndStopsOnFailure(t *testing.T) {
	pool := newMock(t)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	expectVersion(pool, 1, true)
	pool.ExpectCommit()

	expectVersion(pool, 2, false)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS user_aggregates").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectExec("INSERT INTO schema_migrations").WithArgs(2, "create_user_aggregates").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	expectVersion(pool, 3, false)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS achievement_unlocks").
		WillReturnError(errors.New("permission denied"))
	pool.ExpectRollback()

	err := NewMigrator(pool).Migrate(context.Background())
	require.ErrorIs(t, err, ErrMigrationFailed)
	assert.Contains(t, err.Error(), "create_achievement_unlocks")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestMigrator_Status(t *testing.T) {
	pool := newMock(t)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectQuery("SELECT version, applied_at FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, testNow))

	status, err := NewMigrator(pool).Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 3)
	assert.True(t, status[0].IsApplied)
	assert.Equal(t, testNow, status[0].AppliedAt)
	assert.False(t, status[1].IsApplied)
	assert.False(t, status[2].IsApplied)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestMigrator_RollbackNewest(t *testing.T) {
	pool := newMock(t)
	pool.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	pool.ExpectQuery("SELECT version, applied_at FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, testNow).AddRow(2, testNow))
	pool.ExpectBeginTx(rwTx)
	pool.ExpectExec("DROP TABLE IF EXISTS user_aggregates").
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	pool.ExpectExec("DELETE FROM schema_migrations").WithArgs(2).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	pool.ExpectCommit()

	require.NoError(t, NewMigrator(pool).Rollback(context.Background()))
	assert.NoError(t, pool.ExpectationsWereMet())
}
