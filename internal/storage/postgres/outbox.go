package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// OutboxRepo is the durability boundary between domain transactions and the
// bus. Rows are inserted in the same transaction as the state change they
// reflect and marked published only after the broker acknowledges.
type OutboxRepo struct{}

func NewOutboxRepo() *OutboxRepo { return &OutboxRepo{} }

func (r *OutboxRepo) Insert(ctx context.Context, q sqlx.ExtContext, ev *model.OutboxEvent) error {
	const query = `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, topic, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := q.ExecContext(ctx, query,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.Topic, ev.Payload); err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}

// FetchUnpublished claims a batch of unpublished rows in commit order.
// FOR UPDATE SKIP LOCKED lets a second publisher instance make progress
// without double-publishing inside the claim window.
func (r *OutboxRepo) FetchUnpublished(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := sqlx.SelectContext(ctx, tx, &out, `
		SELECT * FROM outbox_events
		WHERE NOT published
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch: %w", err)
	}
	return out, nil
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, q sqlx.ExtContext, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox_events SET published = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	if _, err := q.ExecContext(ctx, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	return nil
}

// DeletePublishedBefore trims the published tail; the reaper calls this with
// the same retention as the derived-row cleanup.
func (r *OutboxRepo) DeletePublishedBefore(ctx context.Context, q sqlx.ExtContext, cutoff string) error {
	const query = `DELETE FROM outbox_events WHERE published AND created_at < now() - $1::interval`
	if _, err := q.ExecContext(ctx, query, cutoff); err != nil {
		return fmt.Errorf("outbox delete published: %w", err)
	}
	return nil
}
