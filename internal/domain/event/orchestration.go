package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrchestrationType enumerates the lifecycle events carried on the
// orchestration topic.
type OrchestrationType string

const (
	OrchestrationCreated   OrchestrationType = "CREATED"
	OrchestrationCancelled OrchestrationType = "CANCELLED"
	OrchestrationExpired   OrchestrationType = "EXPIRED"
	OrchestrationRead      OrchestrationType = "READ"
)

// Bus metadata keys. EventID travels in the payload as well so consumers can
// dedupe across redeliveries.
const (
	MetaEventID       = "event_id"
	MetaEventType     = "event_type"
	MetaAggregateType = "aggregate_type"
	MetaPartitionKey  = "partition_key"
)

const (
	AggregateBroadcast   = "broadcast"
	AggregateUserMessage = "user_message"
)

// OrchestrationEvent is the wire form on the orchestration topic. Lifecycle
// events are keyed by broadcast id so they share a partition and preserve
// causal order; READ events are keyed by user id.
type OrchestrationEvent struct {
	EventID     uuid.UUID         `json:"eventId"`
	Type        OrchestrationType `json:"type"`
	BroadcastID int64             `json:"broadcastId"`
	UserID      string            `json:"userId,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// PartitionKey picks the bus partition key: user id when the event targets a
// single user, otherwise the broadcast id.
func (e *OrchestrationEvent) PartitionKey() string {
	if e.UserID != "" {
		return e.UserID
	}
	return fmt.Sprintf("%d", e.BroadcastID)
}

func NewOrchestrationEvent(t OrchestrationType, broadcastID int64, userID string) *OrchestrationEvent {
	return &OrchestrationEvent{
		EventID:     uuid.New(),
		Type:        t,
		BroadcastID: broadcastID,
		UserID:      userID,
		OccurredAt:  time.Now().UTC(),
	}
}
