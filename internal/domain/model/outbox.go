package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is written in the same transaction as the domain change it
// reflects and replayed to the bus by the outbox publisher. AggregateID is
// the bus partition key (broadcast id for group events, user id for READ).
type OutboxEvent struct {
	ID            uuid.UUID `db:"id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Topic         string    `db:"topic"`
	Payload       []byte    `db:"payload"`
	Published     bool      `db:"published"`
	CreatedAt     time.Time `db:"created_at"`
}
