package amqp

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// DLTHandler persists poisoned events and marks the affected rows failed.
// It consumes the dead-letter topics the poison middleware publishes to.
type DLTHandler struct {
	db        *sqlx.DB
	dlt       *postgres.DLTRepo
	messages  *postgres.UserMessageRepo
	stats     *postgres.StatisticsRepo
	lifecycle service.LifecycleService
	logger    *slog.Logger
}

func NewDLTHandler(
	db *sqlx.DB,
	dlt *postgres.DLTRepo,
	messages *postgres.UserMessageRepo,
	stats *postgres.StatisticsRepo,
	lifecycle service.LifecycleService,
	logger *slog.Logger,
) *DLTHandler {
	return &DLTHandler{
		db:        db,
		dlt:       dlt,
		messages:  messages,
		stats:     stats,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// deadPayload is the minimal shape shared by every event that can
// dead-letter: enough to locate the broadcast and, for per-user packets, the
// delivery row.
type deadPayload struct {
	Type        string `json:"type"` // orchestration events
	Kind        string `json:"kind"` // delivery events
	BroadcastID int64  `json:"broadcastId"`
	UserID      string `json:"userId"`
}

// OnPoisoned is a raw handler: it needs the poison middleware's metadata, not
// just the payload.
func (h *DLTHandler) OnPoisoned(msg *message.Message) error {
	// Tombstones emitted by redrive/purge carry no payload; only the poison
	// middleware's output gets parked.
	if len(msg.Payload) == 0 {
		return nil
	}

	record := &model.DLTMessage{
		PartitionKey:     msg.Metadata.Get(event.MetaPartitionKey),
		OriginalTopic:    msg.Metadata.Get(middleware.PoisonedTopicKey),
		Offset:           messageOffset(msg.UUID),
		ExceptionMessage: msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		Payload:          msg.Payload,
	}

	inserted, err := h.dlt.Insert(msg.Context(), h.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // a peer already recorded this failure
	}

	h.logger.Error("EVENT_DEAD_LETTERED",
		"dlt_id", record.ID,
		"topic", record.OriginalTopic,
		"partition_key", record.PartitionKey,
		"reason", record.ExceptionMessage)

	h.markFailed(msg.Context(), msg.Payload)
	return nil
}

// markFailed records the business impact of the dead letter. Best effort: the
// DLT row is already durable, and an operator redrive re-evaluates the state.
func (h *DLTHandler) markFailed(ctx context.Context, payload []byte) {
	var dead deadPayload
	if err := json.Unmarshal(payload, &dead); err != nil || dead.BroadcastID == 0 {
		return
	}

	// Poisoned receipts and removals must not fail the delivery row they
	// merely report on; only the broadcast itself or a MESSAGE packet counts.
	if dead.Type == string(event.OrchestrationRead) {
		return
	}
	if dead.Kind != "" && dead.Kind != string(event.KindMessage) {
		return
	}

	if dead.UserID == "" {
		// Group event: the whole broadcast could not be orchestrated.
		if err := h.lifecycle.Fail(ctx, dead.BroadcastID); err != nil {
			h.logger.Error("BROADCAST_FAIL_MARK_FAILED", "broadcast_id", dead.BroadcastID, "error", err)
		}
		return
	}

	err := postgres.WithinTx(ctx, h.db, func(tx *sqlx.Tx) error {
		if err := h.messages.MarkFailed(ctx, tx, dead.BroadcastID, dead.UserID); err != nil {
			return err
		}
		return h.stats.IncrFailed(ctx, tx, dead.BroadcastID, 1)
	})
	if err != nil {
		h.logger.Error("DELIVERY_FAIL_MARK_FAILED",
			"broadcast_id", dead.BroadcastID, "user_id", dead.UserID, "error", err)
	}
}

// messageOffset derives a stable per-message offset from the message id; AMQP
// has no broker offsets, but the DLT unique key still needs one to dedupe
// concurrent inserts of the same redelivery.
func messageOffset(msgID string) int64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(msgID))
	return int64(f.Sum64() & 0x7fffffffffffffff)
}
