package model

import "time"

// Statistics is the per-broadcast counter row. All counters are monotonic and
// updated with relative increments, never read-modify-write.
type Statistics struct {
	BroadcastID    int64     `db:"broadcast_id" json:"broadcastId"`
	TotalTargeted  int64     `db:"total_targeted" json:"totalTargeted"`
	TotalDelivered int64     `db:"total_delivered" json:"totalDelivered"`
	TotalRead      int64     `db:"total_read" json:"totalRead"`
	TotalFailed    int64     `db:"total_failed" json:"totalFailed"`
	CalculatedAt   time.Time `db:"calculated_at" json:"calculatedAt"`
}
