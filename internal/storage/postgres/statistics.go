package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// StatisticsRepo maintains the per-broadcast counters. All increments are
// relative (SET col = col + n) so concurrent pods never lose updates.
type StatisticsRepo struct{}

func NewStatisticsRepo() *StatisticsRepo { return &StatisticsRepo{} }

// Init creates the row, or raises total_targeted when precompute resolves a
// larger cohort on a re-run.
func (r *StatisticsRepo) Init(ctx context.Context, q sqlx.ExtContext, broadcastID, targeted int64) error {
	const query = `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted)
		VALUES ($1, $2)
		ON CONFLICT (broadcast_id) DO UPDATE
		SET total_targeted = GREATEST(broadcast_statistics.total_targeted, EXCLUDED.total_targeted),
		    calculated_at  = now()`
	if _, err := q.ExecContext(ctx, query, broadcastID, targeted); err != nil {
		return fmt.Errorf("statistics init: %w", err)
	}
	return nil
}

func (r *StatisticsRepo) incr(ctx context.Context, q sqlx.ExtContext, broadcastID int64, column string, n int64) error {
	query := fmt.Sprintf(`
		UPDATE broadcast_statistics
		SET %s = %s + $2, calculated_at = now()
		WHERE broadcast_id = $1`, column, column)
	if _, err := q.ExecContext(ctx, query, broadcastID, n); err != nil {
		return fmt.Errorf("statistics incr %s: %w", column, err)
	}
	return nil
}

func (r *StatisticsRepo) IncrDelivered(ctx context.Context, q sqlx.ExtContext, broadcastID, n int64) error {
	return r.incr(ctx, q, broadcastID, "total_delivered", n)
}

func (r *StatisticsRepo) IncrRead(ctx context.Context, q sqlx.ExtContext, broadcastID, n int64) error {
	return r.incr(ctx, q, broadcastID, "total_read", n)
}

func (r *StatisticsRepo) IncrFailed(ctx context.Context, q sqlx.ExtContext, broadcastID, n int64) error {
	return r.incr(ctx, q, broadcastID, "total_failed", n)
}

func (r *StatisticsRepo) Get(ctx context.Context, q sqlx.ExtContext, broadcastID int64) (*model.Statistics, error) {
	var s model.Statistics
	err := sqlx.GetContext(ctx, q, &s,
		`SELECT * FROM broadcast_statistics WHERE broadcast_id = $1`, broadcastID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statistics get: %w", err)
	}
	return &s, nil
}
