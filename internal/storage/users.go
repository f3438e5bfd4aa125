package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is the shadow row kept for an externally-authenticated identity.
// The identity authority lives outside this system; a row appears here on
// first authenticated contact so foreign keys have something to point at.
type User struct {
	ID              uuid.UUID
	ExternalSubject string
	DisplayName     string
	CreatedAt       time.Time
}

// EnsureUser upserts the shadow row for an external subject and returns it.
// The caller-proposed ID is only used when the row does not exist yet;
// concurrent first contacts converge on whichever insert won.
func (db *DB) EnsureUser(ctx context.Context, id uuid.UUID, externalSubject, displayName string) (User, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	var u User
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, external_subject, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_subject) DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING id, external_subject, display_name, created_at`,
		id, externalSubject, displayName,
	).Scan(&u.ID, &u.ExternalSubject, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("storage: ensure user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := db.pool.QueryRow(ctx,
		`SELECT id, external_subject, display_name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.ExternalSubject, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}
