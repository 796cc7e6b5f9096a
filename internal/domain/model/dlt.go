package model

import "time"

// DLTMessage captures an event that exhausted retries on its primary topic,
// with enough context to replay it verbatim.
type DLTMessage struct {
	ID               int64     `db:"id" json:"id"`
	PartitionKey     string    `db:"partition_key" json:"partitionKey"`
	OriginalTopic    string    `db:"original_topic" json:"originalTopic"`
	Partition        int32     `db:"partition" json:"partition"`
	Offset           int64     `db:"msg_offset" json:"offset"`
	ExceptionMessage string    `db:"exception_message" json:"exceptionMessage"`
	ExceptionStack   string    `db:"exception_stack" json:"exceptionStack"`
	Payload          []byte    `db:"payload" json:"payload"`
	FailedAt         time.Time `db:"failed_at" json:"failedAt"`
}

// RedriveResult summarizes a redrive-all run. Each item is attempted in its
// own transaction, so one failure does not abort the batch.
type RedriveResult struct {
	Total        int      `json:"total"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	Failures     []string `json:"failures,omitempty"`
}
