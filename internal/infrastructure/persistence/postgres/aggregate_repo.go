package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AggregateRepository implements aggregate.Store with a version column CAS.
type AggregateRepository struct {
	db DB
}

var _ aggregate.Store = (*AggregateRepository)(nil)

// NewAggregateRepository creates a new AggregateRepository.
func NewAggregateRepository(db DB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

const aggregateColumns = `user_id, pc_points, pcon_points, rank, achievements,
		version, applied_seq, updated_at`

// Get implements aggregate.Store.
func (r *AggregateRepository) Get(ctx context.Context, userID string) (*aggregate.Aggregate, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+aggregateColumns+`
		FROM user_aggregates
		WHERE user_id = $1
	`, userID)
	agg, err := scanAggregate(row)
	if IsNoRows(err) {
		return nil, shared.ErrAggregateNotFound
	}
	return agg, err
}

// Save implements aggregate.Store. expectedVersion 0 inserts; otherwise the
// update only matches the row still at expectedVersion.
func (r *AggregateRepository) Save(ctx context.Context, agg *aggregate.Aggregate, expectedVersion int64) error {
	achievements := agg.Achievements
	if achievements == nil {
		achievements = []string{}
	}
	next := expectedVersion + 1

	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO user_aggregates (
				user_id, pc_points, pcon_points, rank, achievements,
				version, applied_seq, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO NOTHING
		`
		args = []any{agg.UserID, agg.PCPoints, agg.PConPoints, agg.Rank, achievements, next, agg.AppliedSeq, agg.UpdatedAt}
	} else {
		query = `
			UPDATE user_aggregates SET
				pc_points = $2,
				pcon_points = $3,
				rank = $4,
				achievements = $5,
				version = $6,
				applied_seq = $7,
				updated_at = $8
			WHERE user_id = $1 AND version = $9
		`
		args = []any{agg.UserID, agg.PCPoints, agg.PConPoints, agg.Rank, achievements, next, agg.AppliedSeq, agg.UpdatedAt, expectedVersion}
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrVersionConflict
	}

	agg.Version = next
	return nil
}

// List implements aggregate.Store.
func (r *AggregateRepository) List(ctx context.Context, afterUserID string, limit int) ([]*aggregate.Aggregate, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+aggregateColumns+`
		FROM user_aggregates
		WHERE user_id > $1
		ORDER BY user_id ASC
		LIMIT $2
	`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	out := make([]*aggregate.Aggregate, 0, limit)
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	return out, nil
}

// Top returns aggregates in leaderboard order. Used when the cache is cold.
func (r *AggregateRepository) Top(ctx context.Context, offset, limit int) ([]*aggregate.Aggregate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+aggregateColumns+`
		FROM user_aggregates
		ORDER BY pc_points DESC, pcon_points DESC, user_id ASC
		OFFSET $1
		LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("top aggregates: %w", err)
	}
	defer rows.Close()

	out := make([]*aggregate.Aggregate, 0, limit)
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func scanAggregate(row pgx.Row) (*aggregate.Aggregate, error) {
	var agg aggregate.Aggregate
	err := row.Scan(
		&agg.UserID,
		&agg.PCPoints,
		&agg.PConPoints,
		&agg.Rank,
		&agg.Achievements,
		&agg.Version,
		&agg.AppliedSeq,
		&agg.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan aggregate: %w", err)
	}
	if agg.Achievements == nil {
		agg.Achievements = []string{}
	}
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return &agg, nil
}
