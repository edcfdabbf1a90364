package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox, inbox, or subscriber record.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusFailed     Status = "Failed"
	StatusArchived   Status = "Archived"
)

// OutboxMessage is a row in outbox_messages. Rows are never deleted; the
// processed_at timestamp is what removes a row from the relay's working set.
type OutboxMessage struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	Status      Status
	RetryCount  int
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
}

// InboxMessage is a row in inbox_messages, keyed by the producer-assigned
// event id. The primary key is the dedup guarantee.
type InboxMessage struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	ServiceName string
	Status      Status
	RetryCount  int
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
}

// InboxSubscriber tracks per-handler progress for one inbox message.
type InboxSubscriber struct {
	ID              uuid.UUID
	MessageID       uuid.UUID
	SubscriberName  string
	Status          Status
	Attempts        int
	LastAttemptedAt *time.Time
	Error           string
}

// ProcessedMessage is a row in the time-windowed dedup ledger.
type ProcessedMessage struct {
	ID          uuid.UUID
	ProcessedAt time.Time
}

// SubscriberResult reports one handler's outcome for status bookkeeping.
type SubscriberResult struct {
	MessageID      uuid.UUID
	SubscriberName string
	Status         Status
	Error          string
}
