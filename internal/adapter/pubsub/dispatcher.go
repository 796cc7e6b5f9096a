package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// EventDispatcher defines the high-level contract for outgoing events.
// This allows consumers and the outbox publisher to stay agnostic of the
// transport implementation.
type EventDispatcher interface {
	// PublishRaw replays an already-serialized payload — the outbox path.
	PublishRaw(ctx context.Context, topic, eventID, eventType, partitionKey string, payload []byte) error
	// PublishDelivery routes a per-user packet to a pod's worker topic.
	PublishDelivery(ctx context.Context, topic string, ev *event.DeliveryEvent) error
	Publisher() message.Publisher
}

// eventDispatcher is the concrete implementation (private).
type eventDispatcher struct {
	publisher message.Publisher
}

// NewEventDispatcher returns the interface instead of the pointer to the struct.
func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

func (d *eventDispatcher) PublishRaw(ctx context.Context, topic, eventID, eventType, partitionKey string, payload []byte) error {
	msg := message.NewMessage(eventID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(event.MetaEventID, eventID)
	msg.Metadata.Set(event.MetaEventType, eventType)
	msg.Metadata.Set(event.MetaPartitionKey, partitionKey)

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) PublishDelivery(ctx context.Context, topic string, ev *event.DeliveryEvent) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	return d.PublishRaw(ctx, topic, ev.EventID.String(), string(ev.Kind), ev.UserID, payload)
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
