package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	"github.com/webitel/broadcast-delivery-service/internal/storage/presence"
)

// targetPageSize pages the precomputed PRODUCT cohort during routing.
const targetPageSize = 1000

// OrchestrationHandler consumes the shared lifecycle topic. Every pod
// competes on the same queue; whichever pod claims the event routes per-user
// packets to the owning pods' worker topics.
type OrchestrationHandler struct {
	db         *sqlx.DB
	messages   *postgres.UserMessageRepo
	targets    *postgres.TargetRepo
	inbox      service.InboxService
	presence   *presence.Store
	cache      *cache.Store
	dispatcher pubsub.EventDispatcher
	broker     config.Broker
	logger     *slog.Logger
}

func NewOrchestrationHandler(
	db *sqlx.DB,
	messages *postgres.UserMessageRepo,
	targets *postgres.TargetRepo,
	inbox service.InboxService,
	presenceStore *presence.Store,
	cacheStore *cache.Store,
	dispatcher pubsub.EventDispatcher,
	cfg *config.Config,
	logger *slog.Logger,
) *OrchestrationHandler {
	return &OrchestrationHandler{
		db:         db,
		messages:   messages,
		targets:    targets,
		inbox:      inbox,
		presence:   presenceStore,
		cache:      cacheStore,
		dispatcher: dispatcher,
		broker:     cfg.Broker,
		logger:     logger,
	}
}

// workerTopic maps a presence pod key "{cluster}:{pod}" onto that pod's
// delivery topic.
func (h *OrchestrationHandler) workerTopic(podKey string) string {
	cluster, pod, ok := strings.Cut(podKey, ":")
	if !ok {
		return h.broker.WorkerTopic("default", podKey)
	}
	return h.broker.WorkerTopic(cluster, pod)
}

func (h *OrchestrationHandler) OnOrchestration(ctx context.Context, ev *event.OrchestrationEvent) error {
	switch ev.Type {
	case event.OrchestrationCreated:
		return h.onCreated(ctx, ev)
	case event.OrchestrationCancelled, event.OrchestrationExpired:
		return h.onRemoved(ctx, ev)
	case event.OrchestrationRead:
		return h.onRead(ctx, ev)
	default:
		h.logger.Warn("ORCHESTRATION_UNKNOWN_TYPE", "type", ev.Type, "broadcast_id", ev.BroadcastID)
		return nil // ACK: a type we will never learn to handle
	}
}

func (h *OrchestrationHandler) onCreated(ctx context.Context, ev *event.OrchestrationEvent) error {
	b, err := h.inbox.Content(ctx, ev.BroadcastID)
	if errors.Is(err, model.ErrNotFound) {
		h.logger.Warn("ORCHESTRATION_BROADCAST_GONE", "broadcast_id", ev.BroadcastID)
		return nil
	}
	if err != nil {
		return err
	}
	// Cancelled between commit and consumption; the removal event follows.
	if b.Status != model.StatusActive {
		return nil
	}

	switch b.TargetType {
	case model.TargetAll:
		return h.fanOutOnline(ctx, func(userID string) *event.DeliveryEvent {
			return event.NewMessageEvent(b, userID, 0)
		})

	case model.TargetProduct:
		after := ""
		for {
			page, err := h.targets.ListUserIDs(ctx, h.db, b.ID, after, targetPageSize)
			if err != nil {
				return err
			}
			for _, userID := range page {
				if err := h.routeUser(ctx, userID, event.NewMessageEvent(b, userID, 0), true); err != nil {
					return err
				}
			}
			if len(page) < targetPageSize {
				return nil
			}
			after = page[len(page)-1]
		}

	default: // ROLE, SELECTED
		userIDs, err := h.messages.TargetUserIDs(ctx, h.db, b.ID)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			if err := h.routeUser(ctx, userID, event.NewMessageEvent(b, userID, 0), true); err != nil {
				return err
			}
		}
		return nil
	}
}

// onRemoved withdraws a cancelled or expired broadcast from every stream that
// may have shown it. Offline users never queue removals: their superseded
// rows already keep the message out of the next inbox assembly.
func (h *OrchestrationHandler) onRemoved(ctx context.Context, ev *event.OrchestrationEvent) error {
	b, err := h.inbox.Content(ctx, ev.BroadcastID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if cerr := h.cache.EvictContent(ctx, ev.BroadcastID); cerr != nil {
		h.logger.Warn("CONTENT_EVICT_FAILED", "broadcast_id", ev.BroadcastID, "error", cerr)
	}

	if b.TargetType == model.TargetAll {
		return h.fanOutOnline(ctx, func(userID string) *event.DeliveryEvent {
			return event.NewRemovedEvent(ev.BroadcastID, userID)
		})
	}

	userIDs, err := h.messages.TargetUserIDs(ctx, h.db, ev.BroadcastID)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := h.routeUser(ctx, userID, event.NewRemovedEvent(ev.BroadcastID, userID), false); err != nil {
			return err
		}
	}
	return nil
}

// onRead syncs the read receipt to the user's other devices.
func (h *OrchestrationHandler) onRead(ctx context.Context, ev *event.OrchestrationEvent) error {
	return h.routeUser(ctx, ev.UserID, event.NewReadReceiptEvent(ev.BroadcastID, ev.UserID), false)
}

// fanOutOnline publishes one packet per online user, batched by owning pod.
func (h *OrchestrationHandler) fanOutOnline(ctx context.Context, build func(userID string) *event.DeliveryEvent) error {
	byPod, err := h.presence.OnlineUsersByPod(ctx)
	if err != nil {
		return err
	}
	for podKey, userIDs := range byPod {
		topic := h.workerTopic(podKey)
		for _, userID := range userIDs {
			if err := h.dispatcher.PublishDelivery(ctx, topic, build(userID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// routeUser delivers one packet to every pod holding a session of the user,
// or parks it in the pending queue when the user is offline.
func (h *OrchestrationHandler) routeUser(ctx context.Context, userID string, ev *event.DeliveryEvent, queueOffline bool) error {
	conns, err := h.presence.Connections(ctx, userID)
	if err != nil {
		return err
	}

	if len(conns) == 0 {
		if !queueOffline {
			return nil
		}
		// NACK on failure: the retry middleware re-attempts, and the event must
		// not be acked before it is durably parked somewhere.
		if err := h.cache.AppendPending(ctx, userID, ev); err != nil {
			h.logger.Warn("PENDING_APPEND_FAILED", "user_id", userID, "error", err)
			return fmt.Errorf("queue pending for %s: %w", userID, err)
		}
		return nil
	}

	pods := make(map[string]struct{}, 1)
	for i := range conns {
		pods[conns[i].PodKey()] = struct{}{}
	}
	for podKey := range pods {
		if err := h.dispatcher.PublishDelivery(ctx, h.workerTopic(podKey), ev); err != nil {
			return err
		}
	}
	return nil
}
