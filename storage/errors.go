package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxErrorLength bounds the failure text persisted with a message so a huge
// driver error cannot bloat the row.
const maxErrorLength = 500

const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation. Stores map it to a Duplicate result rather than a failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// isTransientPG reports whether err is worth retrying the whole transaction
// for: connection failures (class 08) and transaction rollbacks such as
// serialization conflicts and deadlocks (class 40).
func isTransientPG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40")
	}
	return pgconn.SafeToRetry(err)
}

// truncateError clips an error message for persistence.
func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
