package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// InboxService assembles the per-user view: the on-write rows merged with
// the on-read ALL fan-out, newest first, deduplicated by broadcast.
type InboxService interface {
	Assemble(ctx context.Context, userID string) ([]model.InboxItem, error)
	MarkRead(ctx context.Context, userID string, broadcastID int64) error
	// Content is the read-through accessor for frozen broadcast bodies,
	// shared with the bus consumers.
	Content(ctx context.Context, broadcastID int64) (*model.Broadcast, error)
}

type inboxService struct {
	db         *sqlx.DB
	broadcasts *postgres.BroadcastRepo
	messages   *postgres.UserMessageRepo
	stats      *postgres.StatisticsRepo
	outbox     *postgres.OutboxRepo
	cache      *cache.Store
	relay      OutboxNudger
	topic      string
	logger     *slog.Logger
}

// Interface guard
var _ InboxService = (*inboxService)(nil)

func NewInboxService(
	db *sqlx.DB,
	broadcasts *postgres.BroadcastRepo,
	messages *postgres.UserMessageRepo,
	stats *postgres.StatisticsRepo,
	outbox *postgres.OutboxRepo,
	cacheStore *cache.Store,
	relay OutboxNudger,
	cfg *config.Config,
	logger *slog.Logger,
) InboxService {
	return &inboxService{
		db:         db,
		broadcasts: broadcasts,
		messages:   messages,
		stats:      stats,
		outbox:     outbox,
		cache:      cacheStore,
		relay:      relay,
		topic:      cfg.Broker.OrchestrationTopic,
		logger:     logger,
	}
}

func (s *inboxService) Content(ctx context.Context, broadcastID int64) (*model.Broadcast, error) {
	b, err := s.cache.GetContent(ctx, broadcastID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("CONTENT_CACHE_READ_FAILED", "broadcast_id", broadcastID, "error", err)
	}

	b, err = s.broadcasts.Get(ctx, s.db, broadcastID)
	if err != nil {
		return nil, err
	}
	if cerr := s.cache.SetContent(ctx, b); cerr != nil {
		s.logger.Warn("CONTENT_CACHE_WRITE_FAILED", "broadcast_id", broadcastID, "error", cerr)
	}
	return b, nil
}

func (s *inboxService) Assemble(ctx context.Context, userID string) ([]model.InboxItem, error) {
	if cached, err := s.cache.GetInbox(ctx, userID); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("INBOX_CACHE_READ_FAILED", "user_id", userID, "error", err)
	}

	rows, err := s.messages.ListForUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	allActive, err := s.broadcasts.ActiveAllBroadcasts(ctx, s.db)
	if err != nil {
		return nil, err
	}

	items := make([]model.InboxItem, 0, len(rows)+len(allActive))
	seen := make(map[int64]struct{}, len(rows))
	var pendingRows []model.UserMessage
	var lazyAll []int64

	for i := range rows {
		row := rows[i]
		b, err := s.Content(ctx, row.BroadcastID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue // broadcast reaped under the row
			}
			return nil, err
		}
		// A row can outlive its broadcast's terminal flip between the
		// supersede commit and cache eviction; drop it here.
		if b.Status != model.StatusActive {
			continue
		}

		seen[row.BroadcastID] = struct{}{}
		items = append(items, model.InboxItem{
			UserMessageID:  row.ID,
			BroadcastID:    b.ID,
			Content:        b.Content,
			Priority:       b.Priority,
			Category:       b.Category,
			DeliveryStatus: model.DeliveryDelivered,
			ReadStatus:     row.ReadStatus,
			CreatedAtMs:    b.CreatedAt.UnixMilli(),
		})
		if row.DeliveryStatus == model.DeliveryPending {
			pendingRows = append(pendingRows, row)
		}
	}

	for i := range allActive {
		b := allActive[i]
		if _, dup := seen[b.ID]; dup {
			continue
		}
		lazyAll = append(lazyAll, b.ID)
		items = append(items, model.InboxItem{
			BroadcastID:    b.ID,
			Content:        b.Content,
			Priority:       b.Priority,
			Category:       b.Category,
			DeliveryStatus: model.DeliveryDelivered,
			ReadStatus:     model.ReadStatusUnread,
			CreatedAtMs:    b.CreatedAt.UnixMilli(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAtMs > items[j].CreatedAtMs
	})

	if err := s.cache.SetInbox(ctx, userID, items); err != nil {
		s.logger.Warn("INBOX_CACHE_WRITE_FAILED", "user_id", userID, "error", err)
	}

	// Delivery bookkeeping happens off the read path: surfacing the inbox
	// counts as delivery, but the user should not wait on the writes.
	go s.materializeDeliveries(userID, pendingRows, lazyAll)

	return items, nil
}

// materializeDeliveries records that the surfaced items reached the user:
// lazy rows for ALL broadcasts, PENDING→DELIVERED flips for targeted ones.
// Every increment is guarded by the row transition, so redeliveries and
// concurrent assemblies keep total_delivered monotonic and exact.
func (s *inboxService) materializeDeliveries(userID string, pendingRows []model.UserMessage, lazyAll []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, broadcastID := range lazyAll {
		err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
			created, err := s.messages.UpsertDelivered(ctx, tx, broadcastID, userID)
			if err != nil {
				return err
			}
			if !created {
				return nil
			}
			return s.stats.IncrDelivered(ctx, tx, broadcastID, 1)
		})
		if err != nil {
			s.logger.Error("LAZY_DELIVERY_FAILED", "broadcast_id", broadcastID, "user_id", userID, "error", err)
		}
	}

	for i := range pendingRows {
		row := pendingRows[i]
		err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
			flipped, err := s.messages.MarkDelivered(ctx, tx, row.BroadcastID, userID)
			if err != nil {
				return err
			}
			if !flipped {
				return nil
			}
			return s.stats.IncrDelivered(ctx, tx, row.BroadcastID, 1)
		})
		if err != nil {
			s.logger.Error("DELIVERY_FLIP_FAILED", "broadcast_id", row.BroadcastID, "user_id", userID, "error", err)
		}
	}
}

func (s *inboxService) MarkRead(ctx context.Context, userID string, broadcastID int64) error {
	b, err := s.broadcasts.Get(ctx, s.db, broadcastID)
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return model.ErrIllegalTransition
	}

	var flipped bool
	err = postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		flipped, err = s.messages.MarkRead(ctx, tx, broadcastID, userID)
		if err != nil || !flipped {
			return err
		}
		if err := s.stats.IncrRead(ctx, tx, broadcastID, 1); err != nil {
			return err
		}
		return appendOrchestration(ctx, tx, s.outbox, s.topic, event.OrchestrationRead, broadcastID, userID)
	})
	if err != nil {
		return err
	}

	if flipped {
		s.relay.Nudge()
		if err := s.cache.EvictInbox(ctx, userID); err != nil {
			s.logger.Warn("INBOX_EVICT_FAILED", "user_id", userID, "error", err)
		}
	}
	return nil
}
