package model

// InboxItem is the user-facing view of one broadcast, assembled on connect
// and cached per user. UserMessageID is zero for ALL broadcasts that have not
// been lazily materialized yet.
type InboxItem struct {
	UserMessageID  int64          `json:"userMessageId,omitempty"`
	BroadcastID    int64          `json:"broadcastId"`
	Content        string         `json:"content"`
	Priority       Priority       `json:"priority"`
	Category       string         `json:"category"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	ReadStatus     ReadStatus     `json:"readStatus"`
	CreatedAtMs    int64          `json:"createdAt"`
}
