package amqp

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// WorkerHandler consumes this pod's private delivery topic: per-user packets
// routed here because presence says the user is connected to this pod.
type WorkerHandler struct {
	deliverer service.Deliverer
	db        *sqlx.DB
	messages  *postgres.UserMessageRepo
	stats     *postgres.StatisticsRepo
	cache     *cache.Store
	logger    *slog.Logger
}

func NewWorkerHandler(
	deliverer service.Deliverer,
	db *sqlx.DB,
	messages *postgres.UserMessageRepo,
	stats *postgres.StatisticsRepo,
	cacheStore *cache.Store,
	logger *slog.Logger,
) *WorkerHandler {
	return &WorkerHandler{
		deliverer: deliverer,
		db:        db,
		messages:  messages,
		stats:     stats,
		cache:     cacheStore,
		logger:    logger,
	}
}

func (h *WorkerHandler) OnDelivery(ctx context.Context, ev *event.DeliveryEvent) error {
	pushed := h.deliverer.Push(ev)

	switch ev.Kind {
	case event.KindMessage:
		if !pushed {
			// The user detached between routing and delivery; the packet is
			// recovered from the pending queue or the inbox on reconnect.
			if err := h.cache.AppendPending(ctx, ev.UserID, ev); err != nil {
				h.logger.Warn("PENDING_APPEND_FAILED", "user_id", ev.UserID, "error", err)
			}
			return nil
		}
		return h.recordDelivery(ctx, ev)

	case event.KindMessageRemoved:
		// The cached inbox still lists the withdrawn broadcast.
		if err := h.cache.EvictInbox(ctx, ev.UserID); err != nil {
			h.logger.Warn("INBOX_EVICT_FAILED", "user_id", ev.UserID, "error", err)
		}
		return nil
	}
	return nil
}

// recordDelivery flips the per-user row and bumps the counter in one
// transaction. The row guard absorbs redeliveries; a missing row (ALL
// broadcasts, fire-and-forget) makes the whole thing a no-op.
func (h *WorkerHandler) recordDelivery(ctx context.Context, ev *event.DeliveryEvent) error {
	return postgres.WithinTx(ctx, h.db, func(tx *sqlx.Tx) error {
		flipped, err := h.messages.MarkDelivered(ctx, tx, ev.BroadcastID, ev.UserID)
		if err != nil {
			return err
		}
		if !flipped {
			return nil
		}
		return h.stats.IncrDelivered(ctx, tx, ev.BroadcastID, 1)
	})
}
