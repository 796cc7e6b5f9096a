package event

// Kind discriminates the packets flowing through the Hub and onto the client
// streams. The names double as the SSE "event:" field.
type Kind string

const (
	KindConnected       Kind = "CONNECTED"       // [SYSTEM]
	KindHeartbeat       Kind = "HEARTBEAT"       // [SYSTEM]
	KindMessage         Kind = "MESSAGE"         // [BUSINESS]
	KindMessageRemoved  Kind = "MESSAGE_REMOVED" // [BUSINESS]
	KindReadReceipt     Kind = "READ_RECEIPT"    // [BUSINESS]
	KindConnectionLimit Kind = "CONNECTION_LIMIT_REACHED"
	KindServerShutdown  Kind = "SERVER_SHUTDOWN"
)

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
	PriorityUrgent Priority = 40
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetUserID() string
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
}
