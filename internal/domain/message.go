package domain

import "time"

// MessageStatus is the lifecycle state of a QueuedMessage.
//
// Legal transitions: pending -> processing -> {completed | pending (retry) | failed}.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal edge.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// Callbacks are per-message completion hooks. They are never persisted.
type Callbacks struct {
	OnSuccess func(msg QueuedMessage)
	OnError   func(msg QueuedMessage, err error)
}

// QueuedMessage is an Envelope buffered by the outbound queue.
type QueuedMessage struct {
	Envelope
	Priority      int           `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	Status        MessageStatus `json:"status"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	FailedAt      time.Time     `json:"failed_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// QueueStats are derived counters, recomputed on every queue mutation.
type QueueStats struct {
	Total                 int           `json:"total"`
	Pending               int           `json:"pending"`
	Processing            int           `json:"processing"`
	Completed             int64         `json:"completed"`
	Failed                int64         `json:"failed"`
	Retried               int64         `json:"retried"`
	Evicted               int64         `json:"evicted"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"`
	Paused                bool          `json:"paused"`
}
