package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TargetRepo stores the precomputed (broadcast, user) pairs produced by the
// targeting service for PRODUCT broadcasts.
type TargetRepo struct{}

func NewTargetRepo() *TargetRepo { return &TargetRepo{} }

func (r *TargetRepo) BatchInsert(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	const query = `
		INSERT INTO user_broadcast_targets (broadcast_id, user_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`
	if _, err := q.ExecContext(ctx, query, broadcastID, userIDs); err != nil {
		return fmt.Errorf("target batch insert: %w", err)
	}
	return nil
}

// ListUserIDs pages through the precomputed cohort in insertion order.
func (r *TargetRepo) ListUserIDs(ctx context.Context, q sqlx.ExtContext, broadcastID int64, afterUser string, limit int) ([]string, error) {
	var out []string
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT user_id FROM user_broadcast_targets
		WHERE broadcast_id = $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3`, broadcastID, afterUser, limit)
	if err != nil {
		return nil, fmt.Errorf("target list: %w", err)
	}
	return out, nil
}

func (r *TargetRepo) Count(ctx context.Context, q sqlx.ExtContext, broadcastID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT count(*) FROM user_broadcast_targets WHERE broadcast_id = $1`, broadcastID)
	if err != nil {
		return 0, fmt.Errorf("target count: %w", err)
	}
	return n, nil
}

func (r *TargetRepo) DeleteByBroadcast(ctx context.Context, q sqlx.ExtContext, broadcastID int64) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM user_broadcast_targets WHERE broadcast_id = $1`, broadcastID); err != nil {
		return fmt.Errorf("target delete: %w", err)
	}
	return nil
}
