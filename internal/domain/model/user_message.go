package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

// Final reports whether the per-user delivery can no longer advance.
func (s DeliveryStatus) Final() bool {
	return s == DeliveryFailed || s == DeliverySuperseded
}

type ReadStatus string

const (
	ReadStatusUnread ReadStatus = "UNREAD"
	ReadStatusRead   ReadStatus = "READ"
)

// UserMessage is the per-user delivery row. (BroadcastID, UserID) is unique;
// rows are created by the on-write fan-out or lazily on first surfacing of an
// ALL broadcast.
type UserMessage struct {
	ID             int64          `db:"id" json:"id"`
	BroadcastID    int64          `db:"broadcast_id" json:"broadcastId"`
	UserID         string         `db:"user_id" json:"userId"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"deliveryStatus"`
	ReadStatus     ReadStatus     `db:"read_status" json:"readStatus"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `db:"read_at" json:"readAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}
