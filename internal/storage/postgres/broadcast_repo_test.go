package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "pgx"), mock
}

func TestUpdateStatusFlipsRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBroadcastRepo()

	mock.ExpectExec(`UPDATE broadcasts SET status = \$1, updated_at = now\(\) WHERE id = \$2 AND status IN \(\$3, \$4\)`).
		WithArgs("ACTIVE", int64(1), "READY", "SCHEDULED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), db, 1, model.StatusActive, model.StatusReady, model.StatusScheduled)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusIllegalTransition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBroadcastRepo()

	mock.ExpectExec(`UPDATE broadcasts SET status`).
		WithArgs("ACTIVE", int64(1), "READY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Row exists in a different state: the guard lost, not a 404.
	mock.ExpectQuery(`SELECT \* FROM broadcasts WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(1), "CANCELLED"))

	err := repo.UpdateStatus(context.Background(), db, 1, model.StatusActive, model.StatusReady)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBroadcastRepo()

	mock.ExpectExec(`UPDATE broadcasts SET status`).
		WithArgs("ACTIVE", int64(9), "READY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM broadcasts WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	err := repo.UpdateStatus(context.Background(), db, 9, model.StatusActive, model.StatusReady)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRequiresExpectedStates(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewBroadcastRepo()

	err := repo.UpdateStatus(context.Background(), db, 1, model.StatusActive)
	assert.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBroadcastRepo()

	mock.ExpectQuery(`SELECT \* FROM broadcasts WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), db, 404)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInsertFillsGeneratedColumns(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBroadcastRepo()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO broadcasts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	b := &model.Broadcast{
		SenderID:   "admin-1",
		Content:    "hello",
		TargetType: model.TargetAll,
		Priority:   model.PriorityNormal,
		Status:     model.StatusActive,
	}
	require.NoError(t, repo.Insert(context.Background(), db, b))
	assert.Equal(t, int64(7), b.ID)
	assert.Equal(t, now, b.CreatedAt)
}
