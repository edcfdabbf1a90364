package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxStoreIncoming(t *testing.T) {
	id := uuid.New()
	payload := []byte(`{"id":"x"}`)

	t.Run("stores message and subscriber rows in one transaction", func(t *testing.T) {
		db := &fakeDB{}
		store := NewInboxStore(db)

		result := store.StoreIncoming(context.Background(), id, "PaymentCapturedEvent", payload, "billing", []string{"ledger", "notifier"})

		assert.Equal(t, contracts.StoreSuccess, result)
		require.Len(t, db.execs, 3)
		assert.Contains(t, db.execs[0].sql, "INSERT INTO inbox_messages")
		assert.Equal(t, "billing", db.execs[0].args[3])
		assert.Contains(t, db.execs[1].sql, "INSERT INTO inbox_subscribers")
		assert.Equal(t, "ledger", db.execs[1].args[2])
		assert.Equal(t, "notifier", db.execs[2].args[2])
		require.Len(t, db.txs, 1)
		assert.True(t, db.txs[0].committed)
	})

	t.Run("rejects events without subscribers before touching the database", func(t *testing.T) {
		db := &fakeDB{}
		store := NewInboxStore(db)

		result := store.StoreIncoming(context.Background(), id, "PaymentCapturedEvent", payload, "billing", nil)

		assert.Equal(t, contracts.StoreNoSubscribers, result)
		assert.Empty(t, db.execs)
	})

	t.Run("maps unique violation to duplicate", func(t *testing.T) {
		db := &fakeDB{execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}}
		store := NewInboxStore(db)

		result := store.StoreIncoming(context.Background(), id, "PaymentCapturedEvent", payload, "billing", []string{"ledger"})

		assert.Equal(t, contracts.StoreDuplicate, result)
		// The duplicate is detected on the message insert; no subscriber rows.
		assert.Len(t, db.execs, 1)
	})

	t.Run("maps subscriber insert failure to storage failed", func(t *testing.T) {
		db := &fakeDB{}
		db.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
			if len(db.execs) > 1 {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "42P01"}
			}
			return pgconn.NewCommandTag("INSERT 1"), nil
		}
		store := NewInboxStore(db)

		result := store.StoreIncoming(context.Background(), id, "PaymentCapturedEvent", payload, "billing", []string{"ledger"})

		assert.Equal(t, contracts.StoreFailed, result)
		require.Len(t, db.txs, 1)
		assert.True(t, db.txs[0].rolledBack)
	})
}

func TestInboxIsDuplicate(t *testing.T) {
	id := uuid.New()

	t.Run("reports a settled row", func(t *testing.T) {
		var seenArgs []any
		db := &fakeDB{queryRowFn: func(sql string, args []any) pgx.Row {
			seenArgs = args
			return fakeRow{values: []any{true}}
		}}
		store := NewInboxStore(db)

		dup, err := store.IsDuplicate(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, dup)
		// Pending rows are not duplicates: a redelivery still has handlers
		// to run, so only Processed and Failed rows count.
		assert.Equal(t, []any{id, StatusProcessed, StatusFailed}, seenArgs)
	})

	t.Run("propagates query failures", func(t *testing.T) {
		db := &fakeDB{queryRowFn: func(sql string, args []any) pgx.Row {
			return fakeRow{err: errors.New("connection reset")}
		}}
		store := NewInboxStore(db)

		_, err := store.IsDuplicate(context.Background(), id)
		assert.Error(t, err)
	})
}

func TestInboxPendingSubscribers(t *testing.T) {
	id := uuid.New()

	t.Run("returns only unprocessed subscriber names", func(t *testing.T) {
		var seenArgs []any
		db := &fakeDB{queryFn: func(sql string, args []any) (pgx.Rows, error) {
			seenArgs = args
			return &fakeRows{rows: [][]any{{"invoice"}, {"ship"}}}, nil
		}}
		store := NewInboxStore(db)

		names, err := store.PendingSubscribers(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, []string{"invoice", "ship"}, names)
		assert.Equal(t, []any{id, StatusProcessed}, seenArgs)
	})

	t.Run("propagates query failures", func(t *testing.T) {
		db := &fakeDB{queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return nil, errors.New("connection reset")
		}}
		store := NewInboxStore(db)

		_, err := store.PendingSubscribers(context.Background(), id)
		assert.Error(t, err)
	})
}

func TestInboxBookkeeping(t *testing.T) {
	id := uuid.New()

	t.Run("MarkProcessed stamps both timestamps", func(t *testing.T) {
		db := &fakeDB{}
		store := NewInboxStore(db)

		require.NoError(t, store.MarkProcessed(context.Background(), id))
		assert.Contains(t, db.execs[0].sql, "processed_at = now(), completed_at = now()")
		assert.Equal(t, StatusProcessed, db.execs[0].args[0])
	})

	t.Run("MarkFailed records the truncated cause", func(t *testing.T) {
		db := &fakeDB{}
		store := NewInboxStore(db)

		require.NoError(t, store.MarkFailed(context.Background(), id, errors.New("no handler succeeded")))
		assert.Equal(t, StatusFailed, db.execs[0].args[0])
		assert.Equal(t, "no handler succeeded", db.execs[0].args[1])
	})

	t.Run("UpdateSubscriberStatuses keeps going after a failed update", func(t *testing.T) {
		db := &fakeDB{}
		db.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
			if len(db.execs) == 1 {
				return pgconn.CommandTag{}, errors.New("connection reset")
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		store := NewInboxStore(db)

		store.UpdateSubscriberStatuses(context.Background(), []SubscriberResult{
			{MessageID: id, SubscriberName: "ledger", Status: StatusProcessed},
			{MessageID: id, SubscriberName: "notifier", Status: StatusFailed, Error: "timeout"},
		})

		require.Len(t, db.execs, 2)
		assert.Equal(t, "notifier", db.execs[1].args[3])
	})
}
