package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the queue table.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Strategy selects how items of a request are spread over time.
type Strategy string

const (
	StrategyInterval Strategy = "interval"
	StrategyFirstNow Strategy = "first-now"
	StrategyBatch    Strategy = "batch"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyInterval, StrategyFirstNow, StrategyBatch:
		return true
	}
	return false
}

// ItemStatus is the externally tracked state of a single post item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// Settings carries the user's timing knobs for a request.
type Settings struct {
	IntervalHours       float64   `json:"intervalHours"`
	StartTime           time.Time `json:"startTime"`
	BatchSize           int       `json:"batchSize"`
	PostIntervalMinutes int       `json:"postIntervalMinutes"`
	Timezone            string    `json:"timezone"`
}

// PostItem is one post to be made. ID is shared with the content subsystem
// and keys the idempotency lookup.
type PostItem struct {
	ID       string   `json:"id"`
	Media    []string `json:"media"`
	Caption  string   `json:"caption"`
	Hashtags []string `json:"hashtags,omitempty"`
}

// JobPayload is the immutable body of a job row. It is only rewritten by an
// explicit reschedule while the row is still pending.
type JobPayload struct {
	Items                 []PostItem `json:"items"`
	DestinationProfileIDs []string   `json:"destinationProfileIds"`
	Strategy              Strategy   `json:"strategy"`
	Settings              Settings   `json:"settings"`
	// PostBaseline anchors the target post time of the first item. When nil
	// the timeline is derived from Settings.StartTime.
	PostBaseline *time.Time `json:"postBaseline,omitempty"`
}

// JobQueueItem is one persisted, independently claimable unit of work.
type JobQueueItem struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	AccountID          string     `json:"account_id"`
	Status             JobStatus  `json:"status"`
	ScheduledStartTime time.Time  `json:"scheduled_start_time"`
	BatchIndex         int        `json:"batch_index"`
	TotalBatches       int        `json:"total_batches"`
	Payload            JobPayload `json:"payload"`
	Error              *string    `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// JobEvent is an audit row describing something that happened to a job.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Event names recorded in the job event log.
const (
	EventPlanned       = "planned"
	EventClaimed       = "claimed"
	EventReclaimed     = "reclaimed"
	EventItemSkipped   = "item_skipped"
	EventItemSubmitted = "item_submitted"
	EventItemFailed    = "item_failed"
	EventRateLimited   = "rate_limited"
	EventCarriedOver   = "carried_over"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventRebalanced    = "rebalanced"
)
