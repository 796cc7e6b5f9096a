// Package wire is the client-facing envelope for stream events, shared by
// the SSE, websocket and long-polling transports.
package wire

import (
	"encoding/json"

	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// Envelope frames one event for a client stream. ID is the client's dedupe
// key: "{broadcastId}" for group events, "{broadcastId}:{userMessageId}" for
// materialized per-user deliveries.
type Envelope struct {
	ID         string     `json:"id"`
	Kind       event.Kind `json:"kind"`
	OccurredAt int64      `json:"occurredAt"`
	Payload    any        `json:"payload"`
}

func NewEnvelope(ev event.Eventer) Envelope {
	return Envelope{
		ID:         ev.GetID(),
		Kind:       ev.GetKind(),
		OccurredAt: ev.GetOccurredAt(),
		Payload:    ev.GetPayload(),
	}
}

func Encode(ev event.Eventer) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev))
}

// EncodeBatch frames a drained burst of events, the long-polling response
// body.
func EncodeBatch(evs []event.Eventer) ([]byte, error) {
	out := make([]Envelope, 0, len(evs))
	for _, ev := range evs {
		out = append(out, NewEnvelope(ev))
	}
	return json.Marshal(out)
}
