package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

type DLTRepo struct{}

func NewDLTRepo() *DLTRepo { return &DLTRepo{} }

// Insert records a dead-lettered event. Duplicate inserts for the same
// (topic, key, offset) from multiple pods are absorbed by the unique
// constraint; the insert reports whether a new row landed.
func (r *DLTRepo) Insert(ctx context.Context, q sqlx.ExtContext, m *model.DLTMessage) (bool, error) {
	const query = `
		INSERT INTO dlt_messages
			(partition_key, original_topic, partition, msg_offset,
			 exception_message, exception_stack, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (original_topic, partition_key, msg_offset) DO NOTHING
		RETURNING id, failed_at`

	err := q.QueryRowxContext(ctx, query,
		m.PartitionKey, m.OriginalTopic, m.Partition, m.Offset,
		m.ExceptionMessage, m.ExceptionStack, m.Payload).Scan(&m.ID, &m.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // duplicate, absorbed
	}
	if err != nil {
		return false, fmt.Errorf("dlt insert: %w", err)
	}
	return true, nil
}

func (r *DLTRepo) Get(ctx context.Context, q sqlx.ExtContext, id int64) (*model.DLTMessage, error) {
	var m model.DLTMessage
	err := sqlx.GetContext(ctx, q, &m, `SELECT * FROM dlt_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dlt get %d: %w", id, err)
	}
	return &m, nil
}

func (r *DLTRepo) List(ctx context.Context, q sqlx.ExtContext, limit int) ([]model.DLTMessage, error) {
	var out []model.DLTMessage
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT * FROM dlt_messages ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dlt list: %w", err)
	}
	return out, nil
}

func (r *DLTRepo) Delete(ctx context.Context, q sqlx.ExtContext, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM dlt_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dlt delete %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}
