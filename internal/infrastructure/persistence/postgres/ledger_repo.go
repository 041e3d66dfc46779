package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerConfig configures the PostgreSQL ledger.
type LedgerConfig struct {
	// OneLoginPerDay collapses repeated daily_login events on the same UTC day.
	OneLoginPerDay bool

	// ReplayBatchSize is how many events one Replay round trip fetches.
	ReplayBatchSize int

	Now func() time.Time
}

// DefaultLedgerConfig returns the production defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		OneLoginPerDay:  true,
		ReplayBatchSize: 500,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// LedgerRepository implements points.Ledger on PostgreSQL.
//
// Appends lock the user's user_counters row (SELECT ... FOR UPDATE), which
// serializes them per user, so seq is assigned as last_seq+1 and the counters
// fold commits in the same transaction as the event row.
type LedgerRepository struct {
	db     DB
	config LedgerConfig
}

var _ points.Ledger = (*LedgerRepository)(nil)

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db DB, config LedgerConfig) *LedgerRepository {
	defaults := DefaultLedgerConfig()
	if config.ReplayBatchSize <= 0 {
		config.ReplayBatchSize = defaults.ReplayBatchSize
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &LedgerRepository{db: db, config: config}
}

const eventColumns = `event_id, user_id, seq, event_type, pc_delta, pcon_delta,
		source_entity_id, actor_id, reason, created_at`

// errEventIDTaken signals that a concurrent transaction for another user
// inserted the same event_id first.
var errEventIDTaken = errors.New("event_id claimed concurrently")

// ─────────────────────────────────────────────────────────────────────────────
// Append
// ─────────────────────────────────────────────────────────────────────────────

// Append implements points.Ledger.
func (r *LedgerRepository) Append(ctx context.Context, e *points.Event) (*points.Event, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}

	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.config.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	var (
		result   *points.Event
		inserted bool
	)
	err := runInTx(ctx, r.db, DefaultTxOptions(), func(tx pgx.Tx) error {
		counters, err := lockCounters(ctx, tx, stored.UserID)
		if err != nil {
			return err
		}

		prior, err := getEvent(ctx, tx, stored.ID)
		if err == nil {
			result = prior
			return nil
		}
		if !errors.Is(err, shared.ErrEventNotFound) {
			return err
		}

		var loginDay pgtype.Date
		if r.config.OneLoginPerDay && stored.Type == points.DailyLogin {
			day := stored.LoginDay()
			prior, err := loginOn(ctx, tx, stored.UserID, day)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, shared.ErrEventNotFound) {
				return err
			}
			loginDay = pgtype.Date{Time: day, Valid: true}
		}

		stored.Seq = counters.LastSeq + 1
		tag, err := tx.Exec(ctx, `
			INSERT INTO point_events (
				event_id, user_id, seq, event_type, pc_delta, pcon_delta,
				source_entity_id, actor_id, reason, login_day, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
		`,
			stored.ID,
			stored.UserID,
			stored.Seq,
			string(stored.Type),
			stored.PCDelta,
			stored.PConDelta,
			stored.SourceEntityID,
			stored.ActorID,
			stored.Reason,
			loginDay,
			stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert point event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errEventIDTaken
		}

		counters.Observe(&stored)
		if err := saveCounters(ctx, tx, counters); err != nil {
			return err
		}

		result = &stored
		inserted = true
		return nil
	})

	if errors.Is(err, errEventIDTaken) {
		prior, getErr := r.Get(ctx, stored.ID)
		return prior, false, getErr
	}
	if err != nil {
		return nil, false, wrapLedgerErr(ctx, err)
	}
	return result, inserted, nil
}

func lockCounters(ctx context.Context, tx pgx.Tx, userID string) (*points.Counters, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_counters (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("ensure counters row: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT last_seq, by_type, login_streak, best_login_streak, last_login_day
		FROM user_counters
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	return scanCounters(row, userID)
}

func saveCounters(ctx context.Context, tx pgx.Tx, c *points.Counters) error {
	byType, err := json.Marshal(c.ByType)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}

	var lastDay pgtype.Date
	if !c.LastLoginDay.IsZero() {
		lastDay = pgtype.Date{Time: c.LastLoginDay, Valid: true}
	}

	_, err = tx.Exec(ctx, `
		UPDATE user_counters SET
			last_seq = $2,
			by_type = $3,
			login_streak = $4,
			best_login_streak = $5,
			last_login_day = $6,
			updated_at = NOW()
		WHERE user_id = $1
	`, c.UserID, c.LastSeq, byType, c.LoginStreak, c.BestLoginStreak, lastDay)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

func loginOn(ctx context.Context, q Querier, userID string, day time.Time) (*points.Event, error) {
	row := q.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM point_events
		WHERE user_id = $1 AND login_day = $2
	`, userID, pgtype.Date{Time: day, Valid: true})
	return scanEvent(row)
}

func getEvent(ctx context.Context, q Querier, eventID string) (*points.Event, error) {
	row := q.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM point_events
		WHERE event_id = $1
	`, eventID)
	return scanEvent(row)
}

// wrapLedgerErr maps driver failures onto ErrLedgerWrite, which callers may
// retry with the same event_id.
func wrapLedgerErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	return shared.WrapError("points", "Append", shared.ErrServiceUnavailable, shared.ErrLedgerWrite.Message, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// Get implements points.Ledger.
func (r *LedgerRepository) Get(ctx context.Context, eventID string) (*points.Event, error) {
	return getEvent(ctx, r.db, eventID)
}

// Replay implements points.Ledger. Events are fetched in keyset-paginated
// batches; each range starts over from afterSeq.
func (r *LedgerRepository) Replay(ctx context.Context, userID string, afterSeq int64) iter.Seq2[*points.Event, error] {
	return func(yield func(*points.Event, error) bool) {
		next := afterSeq
		for {
			batch, err := r.replayBatch(ctx, userID, next)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
				next = e.Seq
			}
			if len(batch) < r.config.ReplayBatchSize {
				return
			}
		}
	}
}

func (r *LedgerRepository) replayBatch(ctx context.Context, userID string, afterSeq int64) ([]*points.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM point_events
		WHERE user_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, userID, afterSeq, r.config.ReplayBatchSize)
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	defer rows.Close()

	batch := make([]*points.Event, 0, r.config.ReplayBatchSize)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	return batch, nil
}

// Counters implements points.Ledger.
func (r *LedgerRepository) Counters(ctx context.Context, userID string) (*points.Counters, error) {
	row := r.db.QueryRow(ctx, `
		SELECT last_seq, by_type, login_streak, best_login_streak, last_login_day
		FROM user_counters
		WHERE user_id = $1
	`, userID)
	c, err := scanCounters(row, userID)
	if IsNoRows(err) {
		return points.NewCounters(userID), nil
	}
	return c, err
}

// Users implements points.Ledger.
func (r *LedgerRepository) Users(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT user_id
		FROM user_counters
		WHERE user_id > $1 AND last_seq > 0
		ORDER BY user_id ASC
		LIMIT $2
	`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Scanning
// ─────────────────────────────────────────────────────────────────────────────

func scanEvent(row pgx.Row) (*points.Event, error) {
	var (
		e         points.Event
		eventType string
	)
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Seq,
		&eventType,
		&e.PCDelta,
		&e.PConDelta,
		&e.SourceEntityID,
		&e.ActorID,
		&e.Reason,
		&e.CreatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrEventNotFound
		}
		return nil, fmt.Errorf("scan point event: %w", err)
	}
	e.Type = points.EventType(eventType)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func scanCounters(row pgx.Row, userID string) (*points.Counters, error) {
	var (
		byType  []byte
		lastDay pgtype.Date
	)
	c := points.NewCounters(userID)
	if err := row.Scan(&c.LastSeq, &byType, &c.LoginStreak, &c.BestLoginStreak, &lastDay); err != nil {
		if IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan counters: %w", err)
	}
	if len(byType) > 0 {
		if err := json.Unmarshal(byType, &c.ByType); err != nil {
			return nil, fmt.Errorf("decode counters: %w", err)
		}
	}
	if lastDay.Valid {
		c.LastLoginDay = lastDay.Time.UTC()
	}
	return c, nil
}
