package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

type publishedRecord struct {
	Topic        string
	EventID      string
	EventType    string
	PartitionKey string
	Payload      []byte
}

// recordingDispatcher captures outgoing publishes for assertions.
type recordingDispatcher struct {
	records []publishedRecord
}

func (d *recordingDispatcher) PublishRaw(_ context.Context, topic, eventID, eventType, partitionKey string, payload []byte) error {
	d.records = append(d.records, publishedRecord{
		Topic:        topic,
		EventID:      eventID,
		EventType:    eventType,
		PartitionKey: partitionKey,
		Payload:      payload,
	})
	return nil
}

func (d *recordingDispatcher) PublishDelivery(ctx context.Context, topic string, ev *event.DeliveryEvent) error {
	return d.PublishRaw(ctx, topic, ev.EventID.String(), string(ev.Kind), ev.UserID, nil)
}

func (d *recordingDispatcher) Publisher() message.Publisher { return nil }

func newRedriveMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "pgx"), mock
}

func newTestRedrive(t *testing.T) (RedriveService, sqlmock.Sqlmock, *recordingDispatcher) {
	t.Helper()
	db, mock := newRedriveMockDB(t)
	disp := &recordingDispatcher{}
	svc := NewRedriveService(
		db,
		postgres.NewDLTRepo(),
		postgres.NewBroadcastRepo(),
		postgres.NewUserMessageRepo(),
		disp,
		testLogger(),
	)
	return svc, mock, disp
}

func dltColumns() []string {
	return []string{
		"id", "partition_key", "original_topic", "partition", "msg_offset",
		"exception_message", "exception_stack", "payload", "failed_at",
	}
}

func TestPurgeWritesTombstoneBeforeDelete(t *testing.T) {
	svc, mock, disp := newTestRedrive(t)

	mock.ExpectQuery(`SELECT \* FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(dltColumns()).
			AddRow(int64(7), "42", "broadcast.orchestration", int32(0), int64(99),
				"boom", "", []byte(`{"broadcastId":42}`), time.Now()))
	mock.ExpectExec(`DELETE FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Purge(context.Background(), 7))

	require.Len(t, disp.records, 1)
	rec := disp.records[0]
	assert.Equal(t, "broadcast.orchestration.DLT", rec.Topic)
	assert.Equal(t, "TOMBSTONE", rec.EventType)
	assert.Equal(t, "42", rec.PartitionKey)
	assert.Empty(t, rec.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeAllTombstonesEveryEntry(t *testing.T) {
	svc, mock, disp := newTestRedrive(t)

	mock.ExpectQuery(`SELECT \* FROM dlt_messages ORDER BY failed_at DESC LIMIT \$1`).
		WithArgs(500).
		WillReturnRows(sqlmock.NewRows(dltColumns()).
			AddRow(int64(1), "11", "broadcast.orchestration", int32(0), int64(1),
				"boom", "", []byte(`{}`), time.Now()).
			AddRow(int64(2), "22", "delivery.c1-pod-a", int32(0), int64(2),
				"boom", "", []byte(`{}`), time.Now()))
	mock.ExpectExec(`DELETE FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM dlt_messages ORDER BY failed_at DESC LIMIT \$1`).
		WithArgs(500).
		WillReturnRows(sqlmock.NewRows(dltColumns()))

	n, err := svc.PurgeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, disp.records, 2)
	assert.Equal(t, "broadcast.orchestration.DLT", disp.records[0].Topic)
	assert.Equal(t, "11", disp.records[0].PartitionKey)
	assert.Equal(t, "delivery.c1-pod-a.DLT", disp.records[1].Topic)
	assert.Equal(t, "22", disp.records[1].PartitionKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedriveReplaysThenTombstones(t *testing.T) {
	svc, mock, disp := newTestRedrive(t)

	mock.ExpectQuery(`SELECT \* FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(dltColumns()).
			AddRow(int64(5), "42:user-1", "delivery.c1-pod-a", int32(0), int64(3),
				"boom", "", []byte(`{"broadcastId":42,"userId":"user-1"}`), time.Now()))

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM broadcasts WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sender_id", "sender_name", "content", "target_type", "target_ids",
			"priority", "category", "scheduled_at", "expires_at", "fire_and_forget",
			"status", "created_at", "updated_at",
		}).AddRow(int64(42), "admin", "Admin", "hello", "SELECTED", []byte(`["user-1"]`),
			"NORMAL", "", nil, nil, false, "ACTIVE", now, now))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_broadcast_messages`).
		WithArgs(int64(42), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.Redrive(context.Background(), 5))

	require.Len(t, disp.records, 2)
	assert.Equal(t, "delivery.c1-pod-a", disp.records[0].Topic)
	assert.Equal(t, "REDRIVE", disp.records[0].EventType)
	assert.JSONEq(t, `{"broadcastId":42,"userId":"user-1"}`, string(disp.records[0].Payload))

	assert.Equal(t, "delivery.c1-pod-a.DLT", disp.records[1].Topic)
	assert.Equal(t, "TOMBSTONE", disp.records[1].EventType)
	assert.Equal(t, "42:user-1", disp.records[1].PartitionKey)
	assert.Empty(t, disp.records[1].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedriveRefusesFinalizedBroadcast(t *testing.T) {
	svc, mock, disp := newTestRedrive(t)

	mock.ExpectQuery(`SELECT \* FROM dlt_messages WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(dltColumns()).
			AddRow(int64(5), "42", "broadcast.orchestration", int32(0), int64(3),
				"boom", "", []byte(`{"broadcastId":42}`), time.Now()))

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM broadcasts WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sender_id", "sender_name", "content", "target_type", "target_ids",
			"priority", "category", "scheduled_at", "expires_at", "fire_and_forget",
			"status", "created_at", "updated_at",
		}).AddRow(int64(42), "admin", "Admin", "hello", "ALL", []byte(`[]`),
			"NORMAL", "", nil, nil, false, "CANCELLED", now, now))

	err := svc.Redrive(context.Background(), 5)
	require.Error(t, err)
	assert.Empty(t, disp.records)
	assert.NoError(t, mock.ExpectationsWereMet())
}
