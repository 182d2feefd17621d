package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the cold tier of request deduplication,
// behind the engine's in-memory LRU. It satisfies engine.DBIdempotencyChecker.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether a request was already applied and persisted.
// The lookup is bounded so a slow database degrades to at-least-once
// rather than stalling the engine.
func (pic *PostgresIdempotencyChecker) IsDuplicate(requestType, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM record_log.records
		WHERE request_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, requestType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
