package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

type UserMessageRepo struct{}

func NewUserMessageRepo() *UserMessageRepo { return &UserMessageRepo{} }

// BatchInsert creates PENDING/UNREAD rows for the given users. Conflicts on
// (broadcast_id, user_id) are dropped, which makes precompute re-runs and
// consumer redeliveries idempotent. Returns the number of rows created.
func (r *UserMessageRepo) BatchInsert(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO user_broadcast_messages (broadcast_id, user_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (broadcast_id, user_id) DO NOTHING`

	res, err := q.ExecContext(ctx, query, broadcastID, userIDs)
	if err != nil {
		return 0, fmt.Errorf("user message batch insert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *UserMessageRepo) Get(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) (*model.UserMessage, error) {
	var m model.UserMessage
	err := sqlx.GetContext(ctx, q, &m,
		`SELECT * FROM user_broadcast_messages WHERE broadcast_id = $1 AND user_id = $2`,
		broadcastID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user message get: %w", err)
	}
	return &m, nil
}

// UpsertDelivered lazily materializes the per-user row for an ALL broadcast
// the first time it is surfaced. Reports whether a new row was created so the
// caller can bump total_delivered exactly once.
func (r *UserMessageRepo) UpsertDelivered(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) (bool, error) {
	const query = `
		INSERT INTO user_broadcast_messages
			(broadcast_id, user_id, delivery_status, delivered_at)
		VALUES ($1, $2, 'DELIVERED', now())
		ON CONFLICT (broadcast_id, user_id) DO NOTHING`

	res, err := q.ExecContext(ctx, query, broadcastID, userID)
	if err != nil {
		return false, fmt.Errorf("user message upsert delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDelivered advances a PENDING row to DELIVERED. Reports whether the
// transition happened; DELIVERED→DELIVERED is a no-op so statistics stay
// correct under redelivery.
func (r *UserMessageRepo) MarkDelivered(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) (bool, error) {
	const query = `
		UPDATE user_broadcast_messages
		SET delivery_status = 'DELIVERED', delivered_at = now(), updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status = 'PENDING'`

	res, err := q.ExecContext(ctx, query, broadcastID, userID)
	if err != nil {
		return false, fmt.Errorf("user message mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRead flips UNREAD→READ (inserting a DELIVERED row first if the user
// reads an ALL broadcast that was never materialized). Reports whether the
// read transition happened — the guard that keeps total_read monotonic.
func (r *UserMessageRepo) MarkRead(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) (bool, error) {
	const upsert = `
		INSERT INTO user_broadcast_messages
			(broadcast_id, user_id, delivery_status, delivered_at)
		VALUES ($1, $2, 'DELIVERED', now())
		ON CONFLICT (broadcast_id, user_id) DO NOTHING`
	if _, err := q.ExecContext(ctx, upsert, broadcastID, userID); err != nil {
		return false, fmt.Errorf("user message mark read upsert: %w", err)
	}

	const query = `
		UPDATE user_broadcast_messages
		SET read_status = 'READ', read_at = now(), updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2 AND read_status = 'UNREAD'`

	res, err := q.ExecContext(ctx, query, broadcastID, userID)
	if err != nil {
		return false, fmt.Errorf("user message mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed is the DLT path: a delivery that exhausted retries.
func (r *UserMessageRepo) MarkFailed(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) error {
	const query = `
		UPDATE user_broadcast_messages
		SET delivery_status = 'FAILED', updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status IN ('PENDING','DELIVERED')`
	if _, err := q.ExecContext(ctx, query, broadcastID, userID); err != nil {
		return fmt.Errorf("user message mark failed: %w", err)
	}
	return nil
}

// ResetPending puts a FAILED row back to PENDING for redrive.
func (r *UserMessageRepo) ResetPending(ctx context.Context, q sqlx.ExtContext, broadcastID int64, userID string) error {
	const query = `
		UPDATE user_broadcast_messages
		SET delivery_status = 'PENDING', delivered_at = NULL, updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2`
	if _, err := q.ExecContext(ctx, query, broadcastID, userID); err != nil {
		return fmt.Errorf("user message reset pending: %w", err)
	}
	return nil
}

// SupersedeNonFinal bulk-moves PENDING/DELIVERED rows to SUPERSEDED on
// cancel/expire and returns the affected user ids for cache eviction.
func (r *UserMessageRepo) SupersedeNonFinal(ctx context.Context, q sqlx.ExtContext, broadcastID int64) ([]string, error) {
	const query = `
		UPDATE user_broadcast_messages
		SET delivery_status = 'SUPERSEDED', updated_at = now()
		WHERE broadcast_id = $1 AND delivery_status IN ('PENDING','DELIVERED')
		RETURNING user_id`

	var users []string
	if err := sqlx.SelectContext(ctx, q, &users, query, broadcastID); err != nil {
		return nil, fmt.Errorf("user message supersede: %w", err)
	}
	return users, nil
}

// ListForUser returns the user's live rows for inbox assembly: anything
// pending or delivered, regardless of read state.
func (r *UserMessageRepo) ListForUser(ctx context.Context, q sqlx.ExtContext, userID string) ([]model.UserMessage, error) {
	var out []model.UserMessage
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT * FROM user_broadcast_messages
		WHERE user_id = $1 AND delivery_status IN ('PENDING','DELIVERED')
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("user message list for user: %w", err)
	}
	return out, nil
}

func (r *UserMessageRepo) ListByBroadcast(ctx context.Context, q sqlx.ExtContext, broadcastID int64) ([]model.UserMessage, error) {
	var out []model.UserMessage
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT * FROM user_broadcast_messages WHERE broadcast_id = $1 ORDER BY id`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("user message list by broadcast: %w", err)
	}
	return out, nil
}

// TargetUserIDs returns the ids of users with a per-user row — the fan-out
// set for ROLE/SELECTED broadcasts.
func (r *UserMessageRepo) TargetUserIDs(ctx context.Context, q sqlx.ExtContext, broadcastID int64) ([]string, error) {
	var out []string
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT user_id FROM user_broadcast_messages WHERE broadcast_id = $1 ORDER BY id`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("user message target ids: %w", err)
	}
	return out, nil
}

// DeleteUnread removes rows the user never read for a finalized broadcast,
// preserving read receipts.
func (r *UserMessageRepo) DeleteUnread(ctx context.Context, q sqlx.ExtContext, broadcastID int64) error {
	const query = `
		DELETE FROM user_broadcast_messages
		WHERE broadcast_id = $1 AND read_status = 'UNREAD'`
	if _, err := q.ExecContext(ctx, query, broadcastID); err != nil {
		return fmt.Errorf("user message delete unread: %w", err)
	}
	return nil
}
