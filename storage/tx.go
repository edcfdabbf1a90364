package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/featurefusion/eventbus/internal/reliability"
	"github.com/jackc/pgx/v5"
)

// TxRunner executes a function inside a transaction, retrying the WHOLE
// transaction when it fails with a transient Postgres error. Retrying
// statement by statement would resume a transaction that the server has
// already aborted, so the unit of retry is the full begin/commit cycle.
type TxRunner struct {
	db     DB
	policy reliability.RetryPolicy
}

// NewTxRunner creates a runner with a short bounded backoff suitable for
// serialization conflicts and connection blips.
func NewTxRunner(db DB) *TxRunner {
	return &TxRunner{
		db:     db,
		policy: reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
	}
}

// InTx runs fn inside a transaction. fn receives the transaction as a
// Querier so store methods can run against it unchanged.
func (r *TxRunner) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return reliability.Retry(ctx, r.policy, func() error {
		err := r.attempt(ctx, fn)
		if err != nil && !isTransientPG(err) {
			return &reliability.PermanentError{Err: err}
		}
		return err
	})
}

func (r *TxRunner) attempt(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}
