package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier behind the core's
// in-memory set. It is consulted only on in-memory misses, so a slow or
// unavailable database degrades to at-least-once rather than blocking
// the core loop; the query carries its own short timeout for that reason.
// The unique index on (event_type, idempotency_key) is created by the
// event_log migration.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate reports whether an event with this (type, key) pair has
// already been persisted.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM event_log.events
			WHERE event_type = $1 AND idempotency_key = $2
		)`

	var exists bool
	if err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
