package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// OutboxNudger wakes the outbox relay right after a transaction commits
// outbox rows, trimming publish latency below the relay's poll interval.
type OutboxNudger interface {
	Nudge()
}

// appendOrchestration writes an orchestration event into the outbox inside
// the caller's transaction — the durability boundary of every state change
// that has to reach the bus.
func appendOrchestration(ctx context.Context, q sqlx.ExtContext, repo *postgres.OutboxRepo, topic string, typ event.OrchestrationType, broadcastID int64, userID string) error {
	ev := event.NewOrchestrationEvent(typ, broadcastID, userID)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s event: %w", typ, err)
	}

	aggregate := event.AggregateBroadcast
	if userID != "" {
		aggregate = event.AggregateUserMessage
	}

	return repo.Insert(ctx, q, &model.OutboxEvent{
		ID:            ev.EventID,
		AggregateType: aggregate,
		AggregateID:   ev.PartitionKey(),
		EventType:     string(typ),
		Topic:         topic,
		Payload:       payload,
	})
}
