package contracts

// StoreResult is the outcome of persisting a message to the outbox or inbox.
type StoreResult int

const (
	// StoreSuccess indicates the message row was written.
	StoreSuccess StoreResult = iota
	// StoreDuplicate indicates a row with the same message id already exists.
	// Duplicates are idempotent no-ops, not errors.
	StoreDuplicate
	// StoreFailed indicates a transient persistence error. The outer
	// operation should be retried.
	StoreFailed
	// StoreNoSubscribers indicates no handler is registered for the event
	// type. This is a configuration error and permanent.
	StoreNoSubscribers
)

func (r StoreResult) String() string {
	switch r {
	case StoreSuccess:
		return "Success"
	case StoreDuplicate:
		return "Duplicate"
	case StoreFailed:
		return "StorageFailed"
	case StoreNoSubscribers:
		return "NoSubscribers"
	default:
		return "Unknown"
	}
}

// ProcessingResult is the outcome of running a delivered message through the
// consume pipeline, and drives the broker acknowledgement decision.
type ProcessingResult int

const (
	// ProcessingSuccess acknowledges the message.
	ProcessingSuccess ProcessingResult = iota
	// ProcessingRetryLater requeues the message with an incremented retry
	// count until the retry budget is exhausted.
	ProcessingRetryLater
	// ProcessingPermanentFailure routes the message to the dead-letter queue
	// on the first attempt.
	ProcessingPermanentFailure
	// ProcessingDuplicate acknowledges a redelivery without dispatching.
	ProcessingDuplicate
)

func (r ProcessingResult) String() string {
	switch r {
	case ProcessingSuccess:
		return "Success"
	case ProcessingRetryLater:
		return "RetryLater"
	case ProcessingPermanentFailure:
		return "PermanentFailure"
	case ProcessingDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}
