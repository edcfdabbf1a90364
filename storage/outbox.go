package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultClaimTimeout is how long a Processing claim shields a row from
// other relay cycles before it is treated as abandoned.
const DefaultClaimTimeout = 5 * time.Minute

// OutboxStore persists outgoing events in the same database as the business
// state, so a caller-owned transaction makes event emission atomic with the
// state change. Rows are never deleted; setting processed_at is what removes
// a row from the relay's working set.
type OutboxStore struct {
	db           DB
	runner       *TxRunner
	maxRetries   int
	claimTimeout time.Duration
	logger       *slog.Logger
}

// OutboxOption configures the OutboxStore.
type OutboxOption func(*OutboxStore)

// WithOutboxLogger sets the logger.
func WithOutboxLogger(logger *slog.Logger) OutboxOption {
	return func(s *OutboxStore) {
		s.logger = logger
	}
}

// WithOutboxMaxRetries bounds how often the relay re-attempts a failed row.
func WithOutboxMaxRetries(max int) OutboxOption {
	return func(s *OutboxStore) {
		s.maxRetries = max
	}
}

// WithOutboxClaimTimeout sets how long a Processing claim is honored before
// the row is considered abandoned and returned to the pending set.
func WithOutboxClaimTimeout(timeout time.Duration) OutboxOption {
	return func(s *OutboxStore) {
		s.claimTimeout = timeout
	}
}

// NewOutboxStore creates an outbox store over db.
func NewOutboxStore(db DB, options ...OutboxOption) *OutboxStore {
	s := &OutboxStore{
		db:           db,
		runner:       NewTxRunner(db),
		maxRetries:   3,
		claimTimeout: DefaultClaimTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

const insertOutboxSQL = `
INSERT INTO outbox_messages (id, event_type, payload, status, retry_count, created_at)
VALUES ($1, $2, $3, $4, 0, now())`

// StoreOutgoing stores an event in its own transaction. Use StoreOutgoingTx
// when the event must commit atomically with business state.
func (s *OutboxStore) StoreOutgoing(ctx context.Context, event contracts.Event) contracts.StoreResult {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to serialize outgoing event",
			"eventType", event.EventType(),
			"eventId", event.EventID(),
			"error", err)
		return contracts.StoreFailed
	}

	result := contracts.StoreSuccess
	err = s.runner.InTx(ctx, func(tx pgx.Tx) error {
		res, insertErr := s.insert(ctx, tx, event, payload)
		result = res
		if result == contracts.StoreDuplicate {
			// Already stored; nothing to commit but nothing to retry either.
			return nil
		}
		return insertErr
	})
	if err != nil {
		return contracts.StoreFailed
	}
	return result
}

// StoreOutgoingTx stores an event inside a caller-owned transaction. The
// event becomes visible to the relay only when the caller commits, which is
// what makes delivery atomic with the business change.
func (s *OutboxStore) StoreOutgoingTx(ctx context.Context, tx Querier, event contracts.Event) contracts.StoreResult {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to serialize outgoing event",
			"eventType", event.EventType(),
			"eventId", event.EventID(),
			"error", err)
		return contracts.StoreFailed
	}
	result, _ := s.insert(ctx, tx, event, payload)
	return result
}

func (s *OutboxStore) insert(ctx context.Context, q Querier, event contracts.Event, payload []byte) (contracts.StoreResult, error) {
	_, err := q.Exec(ctx, insertOutboxSQL, event.EventID(), event.EventType(), payload, StatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Debug("outbox message already stored",
				"eventId", event.EventID(),
				"eventType", event.EventType())
			return contracts.StoreDuplicate, nil
		}
		s.logger.Error("failed to store outbox message",
			"eventId", event.EventID(),
			"eventType", event.EventType(),
			"error", err)
		return contracts.StoreFailed, err
	}
	return contracts.StoreSuccess, nil
}

const fetchPendingSQL = `
SELECT id, event_type, payload, status, retry_count, COALESCE(error, ''), created_at
FROM outbox_messages
WHERE retry_count < $1
  AND (processed_at IS NULL
       OR (status = $2 AND processed_at < now() - $3::interval))
ORDER BY created_at
LIMIT $4`

// FetchPending returns the oldest unprocessed rows still within their retry
// budget, ordered by creation time to preserve emission order. Processing
// rows whose claim is older than the claim timeout are reclaimed: a relay
// killed between the claim and its processed or failed mark must not strand
// the message forever.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(ctx, fetchPendingSQL, s.maxRetries, StatusProcessing, s.claimTimeout, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.EventType, &m.Payload, &m.Status, &m.RetryCount, &m.Error, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outbox message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read pending outbox messages: %w", err)
	}
	return messages, nil
}

// MarkProcessing claims a row for the current relay cycle. Setting
// processed_at here keeps a second relay cycle from picking the row up while
// the publish is in flight; the claim expires after the claim timeout.
func (s *OutboxStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	const sql = `
UPDATE outbox_messages SET status = $1, processed_at = now()
WHERE id = $2`
	if _, err := s.db.Exec(ctx, sql, StatusProcessing, id); err != nil {
		return fmt.Errorf("storage: mark outbox message %s processing: %w", id, err)
	}
	return nil
}

// MarkProcessed records a successful publish.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	const sql = `
UPDATE outbox_messages SET status = $1, completed_at = now()
WHERE id = $2`
	if _, err := s.db.Exec(ctx, sql, StatusProcessed, id); err != nil {
		return fmt.Errorf("storage: mark outbox message %s processed: %w", id, err)
	}
	return nil
}

// MarkFailed records a publish failure and returns the row to the pending
// set by clearing processed_at, with the retry count advanced.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	const sql = `
UPDATE outbox_messages
SET status = $1, retry_count = retry_count + 1, error = $2, processed_at = NULL
WHERE id = $3`
	if _, err := s.db.Exec(ctx, sql, StatusFailed, truncateError(cause), id); err != nil {
		return fmt.Errorf("storage: mark outbox message %s failed: %w", id, err)
	}
	return nil
}

// MarkFailedPermanent records a failure that no retry can fix, such as an
// event type no longer present in the registry. The row keeps its
// processed_at so the relay never picks it up again.
func (s *OutboxStore) MarkFailedPermanent(ctx context.Context, id uuid.UUID, cause error) error {
	const sql = `
UPDATE outbox_messages
SET status = $1, retry_count = $2, error = $3, processed_at = now()
WHERE id = $4`
	if _, err := s.db.Exec(ctx, sql, StatusFailed, s.maxRetries, truncateError(cause), id); err != nil {
		return fmt.Errorf("storage: mark outbox message %s permanently failed: %w", id, err)
	}
	return nil
}
