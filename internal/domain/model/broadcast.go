package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by repositories and services. The HTTP layer maps
// them onto status codes (404 / 409).
var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

type TargetType string

const (
	TargetAll      TargetType = "ALL"
	TargetRole     TargetType = "ROLE"
	TargetSelected TargetType = "SELECTED"
	TargetProduct  TargetType = "PRODUCT"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetAll, TargetRole, TargetSelected, TargetProduct:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type BroadcastStatus string

const (
	StatusScheduled BroadcastStatus = "SCHEDULED"
	StatusPreparing BroadcastStatus = "PREPARING"
	StatusReady     BroadcastStatus = "READY"
	StatusActive    BroadcastStatus = "ACTIVE"
	StatusCancelled BroadcastStatus = "CANCELLED"
	StatusExpired   BroadcastStatus = "EXPIRED"
	StatusFailed    BroadcastStatus = "FAILED"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s BroadcastStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// transitions is the edge set of the broadcast state machine. CANCELLED is
// reachable from every non-terminal state and is handled separately.
var transitions = map[BroadcastStatus][]BroadcastStatus{
	StatusScheduled: {StatusActive, StatusPreparing, StatusExpired},
	StatusPreparing: {StatusReady, StatusFailed},
	StatusReady:     {StatusActive, StatusFailed},
	StatusActive:    {StatusExpired, StatusFailed},
}

// CanTransition validates a lifecycle edge.
func CanTransition(from, to BroadcastStatus) bool {
	if from == to {
		return false
	}
	if to == StatusCancelled {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StringList stores an opaque id list as a JSONB column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("string list: unsupported source %T", src)
}

// Broadcast is the administrator-authored message aggregate.
type Broadcast struct {
	ID            int64           `db:"id" json:"id"`
	SenderID      string          `db:"sender_id" json:"senderId"`
	SenderName    string          `db:"sender_name" json:"senderName"`
	Content       string          `db:"content" json:"content"`
	TargetType    TargetType      `db:"target_type" json:"targetType"`
	TargetIDs     StringList      `db:"target_ids" json:"targetIds"`
	Priority      Priority        `db:"priority" json:"priority"`
	Category      string          `db:"category" json:"category"`
	ScheduledAt   *time.Time      `db:"scheduled_at" json:"scheduledAt,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	FireAndForget bool            `db:"fire_and_forget" json:"fireAndForget"`
	Status        BroadcastStatus `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// Classify resolves the initial status on admission.
//
// The decision tree:
//   - already past expiry        -> EXPIRED (no fan-out)
//   - PRODUCT inside the prefetch window, or immediate -> PREPARING
//   - PRODUCT scheduled beyond the window              -> SCHEDULED
//   - other types scheduled in the future              -> SCHEDULED
//   - other types immediate                            -> ACTIVE
func (b *Broadcast) Classify(now time.Time, fetchWindow time.Duration) BroadcastStatus {
	if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
		return StatusExpired
	}

	due := b.ScheduledAt == nil || !b.ScheduledAt.After(now.Add(fetchWindow))

	if b.TargetType == TargetProduct {
		if due {
			return StatusPreparing
		}
		return StatusScheduled
	}

	if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
		return StatusScheduled
	}
	return StatusActive
}
