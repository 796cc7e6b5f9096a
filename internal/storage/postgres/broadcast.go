package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

type BroadcastRepo struct{}

func NewBroadcastRepo() *BroadcastRepo { return &BroadcastRepo{} }

// Insert persists a new broadcast and fills the generated id and timestamps.
func (r *BroadcastRepo) Insert(ctx context.Context, q sqlx.ExtContext, b *model.Broadcast) error {
	const query = `
		INSERT INTO broadcasts
			(sender_id, sender_name, content, target_type, target_ids, priority,
			 category, scheduled_at, expires_at, fire_and_forget, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at, updated_at`

	row := q.QueryRowxContext(ctx, query,
		b.SenderID, b.SenderName, b.Content, b.TargetType, b.TargetIDs,
		b.Priority, b.Category, b.ScheduledAt, b.ExpiresAt, b.FireAndForget, b.Status)

	if err := row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("broadcast insert: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) Get(ctx context.Context, q sqlx.ExtContext, id int64) (*model.Broadcast, error) {
	var b model.Broadcast
	err := sqlx.GetContext(ctx, q, &b, `SELECT * FROM broadcasts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("broadcast get %d: %w", id, err)
	}
	return &b, nil
}

// UpdateStatus performs a guarded CAS: the row moves from one of the expected
// states to the target state, or ErrIllegalTransition is returned. This is
// the single write path for lifecycle edges, so concurrent schedulers and
// operators cannot race each other past a terminal state.
func (r *BroadcastRepo) UpdateStatus(ctx context.Context, q sqlx.ExtContext, id int64, to model.BroadcastStatus, from ...model.BroadcastStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("broadcast update status: no expected states")
	}

	expected := make([]string, 0, len(from))
	for _, s := range from {
		expected = append(expected, string(s))
	}

	query, args, err := sqlx.In(
		`UPDATE broadcasts SET status = ?, updated_at = now() WHERE id = ? AND status IN (?)`,
		string(to), id, expected)
	if err != nil {
		return fmt.Errorf("broadcast update status: %w", err)
	}

	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("broadcast update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing row from illegal edge for the HTTP layer.
		if _, gerr := r.Get(ctx, q, id); gerr != nil {
			return gerr
		}
		return model.ErrIllegalTransition
	}
	return nil
}

// ListByStatus returns broadcasts in the given states, newest first.
func (r *BroadcastRepo) ListByStatus(ctx context.Context, q sqlx.ExtContext, statuses ...model.BroadcastStatus) ([]model.Broadcast, error) {
	in := make([]string, 0, len(statuses))
	for _, s := range statuses {
		in = append(in, string(s))
	}
	query, args, err := sqlx.In(`SELECT * FROM broadcasts WHERE status IN (?) ORDER BY created_at DESC`, in)
	if err != nil {
		return nil, fmt.Errorf("broadcast list: %w", err)
	}
	var out []model.Broadcast
	if err := sqlx.SelectContext(ctx, q, &out, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("broadcast list: %w", err)
	}
	return out, nil
}

func (r *BroadcastRepo) ListAll(ctx context.Context, q sqlx.ExtContext, limit int) ([]model.Broadcast, error) {
	var out []model.Broadcast
	err := sqlx.SelectContext(ctx, q, &out, `SELECT * FROM broadcasts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("broadcast list all: %w", err)
	}
	return out, nil
}

// ActiveAllBroadcasts returns ACTIVE broadcasts with target type ALL — the
// on-read fan-out set merged into every inbox.
func (r *BroadcastRepo) ActiveAllBroadcasts(ctx context.Context, q sqlx.ExtContext) ([]model.Broadcast, error) {
	var out []model.Broadcast
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT * FROM broadcasts WHERE status = $1 AND target_type = $2 ORDER BY created_at DESC`,
		model.StatusActive, model.TargetAll)
	if err != nil {
		return nil, fmt.Errorf("broadcast active all: %w", err)
	}
	return out, nil
}

// claim selects due rows with FOR UPDATE SKIP LOCKED so parallel scheduler
// runs make safe progress, then flips them to the claimed status.
func (r *BroadcastRepo) claim(ctx context.Context, tx *sqlx.Tx, selectQ string, to model.BroadcastStatus, args ...any) ([]model.Broadcast, error) {
	var rows []model.Broadcast
	if err := sqlx.SelectContext(ctx, tx, &rows, selectQ, args...); err != nil {
		return nil, fmt.Errorf("broadcast claim select: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}
	query, qargs, err := sqlx.In(`UPDATE broadcasts SET status = ?, updated_at = now() WHERE id IN (?)`, string(to), ids)
	if err != nil {
		return nil, fmt.Errorf("broadcast claim update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), qargs...); err != nil {
		return nil, fmt.Errorf("broadcast claim update: %w", err)
	}
	for i := range rows {
		rows[i].Status = to
	}
	return rows, nil
}

// ClaimDuePrecompute claims SCHEDULED PRODUCT broadcasts whose scheduled time
// falls inside the prefetch window, moving them to PREPARING.
func (r *BroadcastRepo) ClaimDuePrecompute(ctx context.Context, tx *sqlx.Tx, window time.Duration, limit int) ([]model.Broadcast, error) {
	const q = `
		SELECT * FROM broadcasts
		WHERE status = 'SCHEDULED' AND target_type = 'PRODUCT'
		  AND scheduled_at <= now() + $1::interval
		ORDER BY scheduled_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.claim(ctx, tx, q, model.StatusPreparing, interval(window), limit)
}

// ClaimDueReady claims READY broadcasts whose start time has arrived, moving
// them to ACTIVE.
func (r *BroadcastRepo) ClaimDueReady(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.Broadcast, error) {
	const q = `
		SELECT * FROM broadcasts
		WHERE status = 'READY' AND (scheduled_at IS NULL OR scheduled_at <= now())
		ORDER BY scheduled_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	return r.claim(ctx, tx, q, model.StatusActive, limit)
}

// ListDueScheduled returns due SCHEDULED on-read broadcasts (ALL/ROLE/SELECTED)
// without locking them. Activation resolves role cohorts before opening its
// transaction, so the flip itself is a guarded CAS rather than a row lock.
func (r *BroadcastRepo) ListDueScheduled(ctx context.Context, q sqlx.ExtContext, limit int) ([]model.Broadcast, error) {
	const query = `
		SELECT * FROM broadcasts
		WHERE status = 'SCHEDULED' AND target_type <> 'PRODUCT'
		  AND scheduled_at <= now()
		ORDER BY scheduled_at
		LIMIT $1`
	var out []model.Broadcast
	if err := sqlx.SelectContext(ctx, q, &out, query, limit); err != nil {
		return nil, fmt.Errorf("broadcast list due scheduled: %w", err)
	}
	return out, nil
}

// ClaimExpired claims ACTIVE broadcasts past their expiry. The status flip is
// left to the lifecycle service so the expire path is shared with the
// operator-initiated one; rows stay locked for the transaction.
func (r *BroadcastRepo) ClaimExpired(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.Broadcast, error) {
	const q = `
		SELECT * FROM broadcasts
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= now()
		ORDER BY expires_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	var rows []model.Broadcast
	if err := sqlx.SelectContext(ctx, tx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("broadcast claim expired: %w", err)
	}
	return rows, nil
}

// FinalizedBefore lists broadcasts that reached a terminal state before the
// cutoff — input for the derived-row reaper.
func (r *BroadcastRepo) FinalizedBefore(ctx context.Context, q sqlx.ExtContext, cutoff time.Time, limit int) ([]model.Broadcast, error) {
	var out []model.Broadcast
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT * FROM broadcasts
		WHERE status IN ('CANCELLED','EXPIRED','FAILED') AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("broadcast finalized: %w", err)
	}
	return out, nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
