package storage

import "context"

// schemaDDL creates the four tables and the filtered indexes the stores
// query through. Statements are idempotent so Migrate can run at startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS outbox_messages (
    id           uuid PRIMARY KEY,
    event_type   varchar(255) NOT NULL,
    payload      jsonb NOT NULL,
    status       varchar(20) NOT NULL DEFAULT 'Pending',
    retry_count  integer NOT NULL DEFAULT 0,
    error        varchar(500),
    created_at   timestamptz NOT NULL DEFAULT now(),
    processed_at timestamptz,
    completed_at timestamptz
);

CREATE INDEX IF NOT EXISTS ix_outbox_messages_unprocessed
    ON outbox_messages (created_at)
    WHERE processed_at IS NULL;

CREATE INDEX IF NOT EXISTS ix_outbox_messages_retryable
    ON outbox_messages (status, retry_count, created_at)
    WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox_messages (
    id           uuid PRIMARY KEY,
    event_type   varchar(255) NOT NULL,
    payload      jsonb NOT NULL,
    service_name varchar(255) NOT NULL,
    status       varchar(20) NOT NULL DEFAULT 'Pending',
    retry_count  integer NOT NULL DEFAULT 0,
    error        varchar(500),
    created_at   timestamptz NOT NULL DEFAULT now(),
    processed_at timestamptz,
    completed_at timestamptz
);

CREATE INDEX IF NOT EXISTS ix_inbox_messages_unprocessed
    ON inbox_messages (created_at)
    WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox_subscribers (
    id                uuid PRIMARY KEY,
    message_id        uuid NOT NULL REFERENCES inbox_messages (id) ON DELETE CASCADE,
    subscriber_name   varchar(255) NOT NULL,
    status            varchar(20) NOT NULL DEFAULT 'Pending',
    attempts          integer NOT NULL DEFAULT 0,
    last_attempted_at timestamptz,
    error             varchar(500),
    CONSTRAINT ux_inbox_subscribers_message_subscriber
        UNIQUE (message_id, subscriber_name)
);

CREATE TABLE IF NOT EXISTS processed_messages (
    id           uuid PRIMARY KEY,
    processed_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_processed_messages_processed_at
    ON processed_messages (processed_at);
`

// Schema returns the DDL for the delivery tables.
func Schema() string {
	return schemaDDL
}

// Migrate applies the schema. Safe to call on every startup.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schemaDDL)
	return err
}
