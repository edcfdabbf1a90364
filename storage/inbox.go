package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InboxStore persists incoming events keyed by the producer-assigned event
// id. The primary key is the authoritative dedup guarantee: a redelivered
// message hits the unique constraint no matter how the fast-path ledger
// raced.
type InboxStore struct {
	db     DB
	runner *TxRunner
	logger *slog.Logger
}

// InboxOption configures the InboxStore.
type InboxOption func(*InboxStore)

// WithInboxLogger sets the logger.
func WithInboxLogger(logger *slog.Logger) InboxOption {
	return func(s *InboxStore) {
		s.logger = logger
	}
}

// NewInboxStore creates an inbox store over db.
func NewInboxStore(db DB, options ...InboxOption) *InboxStore {
	s := &InboxStore{
		db:     db,
		runner: NewTxRunner(db),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

const insertInboxSQL = `
INSERT INTO inbox_messages (id, event_type, payload, service_name, status, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, 0, now())`

const insertSubscriberSQL = `
INSERT INTO inbox_subscribers (id, message_id, subscriber_name, status, attempts)
VALUES ($1, $2, $3, $4, 0)`

// StoreIncoming records a received event together with one pending row per
// subscriber, all in one transaction. A unique violation on the message id
// means the event was already received and maps to Duplicate; an event with
// no subscribers maps to NoSubscribers and is not stored.
func (s *InboxStore) StoreIncoming(ctx context.Context, id uuid.UUID, eventType string, payload []byte, serviceName string, subscriberNames []string) contracts.StoreResult {
	if len(subscriberNames) == 0 {
		s.logger.Warn("no subscribers for incoming event",
			"eventId", id,
			"eventType", eventType)
		return contracts.StoreNoSubscribers
	}

	result := contracts.StoreSuccess
	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertInboxSQL, id, eventType, payload, serviceName, StatusPending); err != nil {
			if isUniqueViolation(err) {
				result = contracts.StoreDuplicate
				return nil
			}
			return err
		}
		for _, name := range subscriberNames {
			if _, err := tx.Exec(ctx, insertSubscriberSQL, uuid.New(), id, name, StatusPending); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store incoming event",
			"eventId", id,
			"eventType", eventType,
			"error", err)
		return contracts.StoreFailed
	}
	return result
}

// IsDuplicate reports whether the event id is already settled in the inbox.
// Only rows that finished processing or failed terminally count: a Pending
// row means a redelivery still has work to do and must not be absorbed.
func (s *InboxStore) IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error) {
	const sql = `
SELECT EXISTS (SELECT 1 FROM inbox_messages WHERE id = $1 AND status IN ($2, $3))`
	var exists bool
	if err := s.db.QueryRow(ctx, sql, id, StatusProcessed, StatusFailed).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: inbox duplicate check for %s: %w", id, err)
	}
	return exists, nil
}

// PendingSubscribers returns the subscriber names whose rows for the message
// have not reached Processed. A redelivery dispatches only to these.
func (s *InboxStore) PendingSubscribers(ctx context.Context, id uuid.UUID) ([]string, error) {
	const sql = `
SELECT subscriber_name FROM inbox_subscribers
WHERE message_id = $1 AND status <> $2
ORDER BY subscriber_name`
	rows, err := s.db.Query(ctx, sql, id, StatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("storage: pending subscribers for %s: %w", id, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan pending subscriber: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read pending subscribers for %s: %w", id, err)
	}
	return names, nil
}

// MarkProcessed records that every subscriber finished with the message.
func (s *InboxStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	const sql = `
UPDATE inbox_messages SET status = $1, processed_at = now(), completed_at = now()
WHERE id = $2`
	if _, err := s.db.Exec(ctx, sql, StatusProcessed, id); err != nil {
		return fmt.Errorf("storage: mark inbox message %s processed: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal handler failure on the message row.
func (s *InboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	const sql = `
UPDATE inbox_messages
SET status = $1, retry_count = retry_count + 1, error = $2, processed_at = now()
WHERE id = $3`
	if _, err := s.db.Exec(ctx, sql, StatusFailed, truncateError(cause), id); err != nil {
		return fmt.Errorf("storage: mark inbox message %s failed: %w", id, err)
	}
	return nil
}

// UpdateSubscriberStatuses persists per-handler outcomes. Bookkeeping is
// best effort: a failed update is logged and the rest of the batch still
// proceeds, since dispatch already happened and the inbox row carries the
// aggregate outcome.
func (s *InboxStore) UpdateSubscriberStatuses(ctx context.Context, results []SubscriberResult) {
	const sql = `
UPDATE inbox_subscribers
SET status = $1, error = $2, attempts = attempts + 1, last_attempted_at = now()
WHERE message_id = $3 AND subscriber_name = $4`
	for _, r := range results {
		if _, err := s.db.Exec(ctx, sql, r.Status, r.Error, r.MessageID, r.SubscriberName); err != nil {
			s.logger.Warn("failed to update subscriber status",
				"messageId", r.MessageID,
				"subscriber", r.SubscriberName,
				"error", err)
		}
	}
}
