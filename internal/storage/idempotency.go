package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when the same idempotency key is
	// reused with a different payload hash for the same (user, purpose).
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress indicates a matching idempotency key is currently being processed.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup describes the current state of an idempotency key lookup.
type IdempotencyLookup struct {
	// Owned is true when this call reserved the key and the caller must
	// perform the operation and then call CompleteIdempotency.
	Owned bool
	// Completed is true when a previous request already finished the
	// operation; callers must skip the side effect.
	Completed bool
}

// BeginIdempotency reserves a key for processing.
//
// If the returned lookup has Owned=true the caller performs the operation.
// If Completed=true the operation already happened and must not run again.
// ErrIdempotencyInProgress means another request is actively processing
// this key right now.
//
// Stale in-progress keys are NOT taken over; they block retries until the
// background CleanupIdempotencyKeys job removes them. This prevents duplicate
// side effects when the original request committed its work but crashed
// before calling CompleteIdempotency.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	purpose, key, payloadHash string,
) (IdempotencyLookup, error) {
	if userID == uuid.Nil {
		return IdempotencyLookup{}, ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, purpose, idempotency_key, payload_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		userID, purpose, key, payloadHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{Owned: true}, nil
	}

	var (
		storedHash string
		status     string
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT payload_hash, status
		 FROM idempotency_keys
		 WHERE user_id = $1 AND purpose = $2 AND idempotency_key = $3`,
		userID, purpose, key,
	).Scan(&storedHash, &status); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != payloadHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status == "completed" {
		return IdempotencyLookup{Completed: true}, nil
	}
	return IdempotencyLookup{}, ErrIdempotencyInProgress
}

// CompleteIdempotency marks a previously reserved key as done.
func (db *DB) CompleteIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	purpose, key string,
) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', completed_at = now()
		 WHERE user_id = $1 AND purpose = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		userID, purpose, key,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation so the caller can retry.
func (db *DB) ClearInProgressIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	purpose, key string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE user_id = $1 AND purpose = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		userID, purpose, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND created_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND created_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
