package event

import (
	"time"

	"github.com/google/uuid"
)

// Interface guard
var _ Eventer = (*SystemEvent)(nil)

// SystemEvent carries connection-scoped signals (CONNECTED, HEARTBEAT,
// CONNECTION_LIMIT_REACHED, SERVER_SHUTDOWN). Never exported to the bus.
type SystemEvent struct {
	ID         string
	Kind       Kind
	UserID     string
	Priority   Priority
	OccurredAt int64
	Payload    any
}

func NewSystemEvent(userID string, kind Kind, priority Priority, payload any) *SystemEvent {
	return &SystemEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		UserID:     userID,
		Priority:   priority,
		OccurredAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
}

func (e *SystemEvent) GetID() string          { return e.ID }
func (e *SystemEvent) GetKind() Kind          { return e.Kind }
func (e *SystemEvent) GetUserID() string      { return e.UserID }
func (e *SystemEvent) GetPriority() Priority  { return e.Priority }
func (e *SystemEvent) GetOccurredAt() int64   { return e.OccurredAt }
func (e *SystemEvent) GetPayload() any        { return e.Payload }

// ConnectedPayload is the handshake body sent as the first stream event.
type ConnectedPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connectionId"`
}

// HeartbeatPayload is emitted every heartbeat interval on every live stream.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ShutdownPayload announces a graceful pod shutdown to connected clients.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
