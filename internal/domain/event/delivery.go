package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// Interface guard
var _ Eventer = (*DeliveryEvent)(nil)

// DeliveryEvent is the per-user packet routed to the owning pod's worker
// topic and pushed onto the user's streams.
//
// [STRATEGY]
// It distinguishes between:
//   - [BUSINESS_SUBJECT] (BroadcastID): the broadcast the packet is about.
//   - [ROUTING_TARGET]   (UserID): the physical recipient of this instance.
type DeliveryEvent struct {
	EventID       uuid.UUID            `json:"eventId"`
	Kind          Kind                 `json:"kind"`
	UserID        string               `json:"userId"`
	BroadcastID   int64                `json:"broadcastId"`
	UserMessageID int64                `json:"userMessageId,omitempty"`
	Content       string               `json:"content,omitempty"`
	Priority      model.Priority       `json:"priority,omitempty"`
	Category      string               `json:"category,omitempty"`
	Delivery      model.DeliveryStatus `json:"deliveryStatus,omitempty"`
	Read          model.ReadStatus     `json:"readStatus,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// NewMessageEvent builds a MESSAGE packet from the frozen broadcast body.
func NewMessageEvent(b *model.Broadcast, userID string, userMessageID int64) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:       uuid.New(),
		Kind:          KindMessage,
		UserID:        userID,
		BroadcastID:   b.ID,
		UserMessageID: userMessageID,
		Content:       b.Content,
		Priority:      b.Priority,
		Category:      b.Category,
		Delivery:      model.DeliveryPending,
		Read:          model.ReadStatusUnread,
		CreatedAt:     b.CreatedAt,
	}
}

// NewRemovedEvent builds a MESSAGE_REMOVED packet for CANCEL/EXPIRE fan-out.
func NewRemovedEvent(broadcastID int64, userID string) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:     uuid.New(),
		Kind:        KindMessageRemoved,
		UserID:      userID,
		BroadcastID: broadcastID,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewReadReceiptEvent surfaces a read transition to the user's other streams.
func NewReadReceiptEvent(broadcastID int64, userID string) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:     uuid.New(),
		Kind:        KindReadReceipt,
		UserID:      userID,
		BroadcastID: broadcastID,
		CreatedAt:   time.Now().UTC(),
	}
}

func (e *DeliveryEvent) GetID() string {
	// "{broadcastId}[:{userMessageId}]" — clients dedupe on this id.
	if e.UserMessageID != 0 {
		return fmt.Sprintf("%d:%d", e.BroadcastID, e.UserMessageID)
	}
	return fmt.Sprintf("%d", e.BroadcastID)
}

func (e *DeliveryEvent) GetKind() Kind       { return e.Kind }
func (e *DeliveryEvent) GetUserID() string   { return e.UserID }
func (e *DeliveryEvent) GetPayload() any     { return e }
func (e *DeliveryEvent) GetOccurredAt() int64 { return e.CreatedAt.UnixMilli() }

func (e *DeliveryEvent) GetPriority() Priority {
	switch e.Priority {
	case model.PriorityUrgent:
		return PriorityUrgent
	case model.PriorityHigh:
		return PriorityHigh
	case model.PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
