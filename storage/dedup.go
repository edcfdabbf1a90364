package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultDedupWindow is how far back the ledger fast path looks.
const DefaultDedupWindow = 24 * time.Hour

// DeduplicationStore is a time-windowed fast path over processed_messages.
// It exists to skip the full pipeline for recent redeliveries; the inbox
// primary key remains the authoritative guarantee, so a ledger miss only
// costs a little work and a ledger race never double-processes.
type DeduplicationStore struct {
	db     DB
	runner *TxRunner
	window time.Duration
	logger *slog.Logger
}

// DedupOption configures the DeduplicationStore.
type DedupOption func(*DeduplicationStore)

// WithDedupWindow sets the look-back window.
func WithDedupWindow(window time.Duration) DedupOption {
	return func(s *DeduplicationStore) {
		s.window = window
	}
}

// WithDedupLogger sets the logger.
func WithDedupLogger(logger *slog.Logger) DedupOption {
	return func(s *DeduplicationStore) {
		s.logger = logger
	}
}

// NewDeduplicationStore creates a ledger over db.
func NewDeduplicationStore(db DB, options ...DedupOption) *DeduplicationStore {
	s := &DeduplicationStore{
		db:     db,
		runner: NewTxRunner(db),
		window: DefaultDedupWindow,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// IsDuplicate reports whether the id was marked processed within the window.
func (s *DeduplicationStore) IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error) {
	const sql = `
SELECT EXISTS (
  SELECT 1 FROM processed_messages
  WHERE id = $1 AND processed_at > now() - $2::interval
)`
	var exists bool
	if err := s.db.QueryRow(ctx, sql, id, s.window).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: dedup check for %s: %w", id, err)
	}
	return exists, nil
}

// MarkProcessed records the id in the ledger. It returns false when another
// worker recorded it first; the primary key settles the race.
func (s *DeduplicationStore) MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	const sql = `INSERT INTO processed_messages (id, processed_at) VALUES ($1, now())`
	first := true
	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sql, id); err != nil {
			if isUniqueViolation(err) {
				first = false
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: mark %s in dedup ledger: %w", id, err)
	}
	return first, nil
}

// Prune deletes ledger rows older than the window. The ledger is a cache,
// so pruning is safe at any time.
func (s *DeduplicationStore) Prune(ctx context.Context) (int64, error) {
	const sql = `DELETE FROM processed_messages WHERE processed_at < now() - $1::interval`
	tag, err := s.db.Exec(ctx, sql, s.window)
	if err != nil {
		return 0, fmt.Errorf("storage: prune dedup ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}
