// Package storage implements the Postgres persistence behind reliable
// delivery: the transactional outbox, the inbox with per-subscriber
// bookkeeping, and the time-windowed deduplication ledger.
//
// Every store accepts the DB interface, satisfied by *pgxpool.Pool, and
// store writes that must be atomic run under TxRunner, which retries the
// whole transaction on transient Postgres failures.
package storage
