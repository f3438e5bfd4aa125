package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/braidhq/braid/internal/model"
)

// SealedCredential is a binding credential as stored: ciphertext plus the
// nonce used to seal it. Only internal/tabular can open it.
type SealedCredential struct {
	Ciphertext []byte
	Nonce      []byte
}

// CreateTabularBinding inserts a binding in the validating state. The
// sealed credential is written once and never updated in place.
func (db *DB) CreateTabularBinding(ctx context.Context, b model.TabularBinding, cred SealedCredential) (model.TabularBinding, error) {
	if b.UserID == uuid.Nil {
		return model.TabularBinding{}, ErrScopeViolation
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Status = model.BindingValidating
	b.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tabular_bindings
		   (id, user_id, display_name, engine_tag, credential_ciphertext, credential_nonce, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.UserID, b.DisplayName, b.EngineTag, cred.Ciphertext, cred.Nonce, b.Status, b.CreatedAt,
	)
	if err != nil {
		return model.TabularBinding{}, fmt.Errorf("storage: create binding: %w", err)
	}
	return b, nil
}

// GetTabularBinding retrieves a binding owned by the user, without the
// sealed credential.
func (db *DB) GetTabularBinding(ctx context.Context, userID, id uuid.UUID) (model.TabularBinding, error) {
	if userID == uuid.Nil {
		return model.TabularBinding{}, ErrScopeViolation
	}
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, display_name, engine_tag, status, schema_snapshot, last_validated_at, error, created_at
		 FROM tabular_bindings WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	b, err := scanBinding(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.TabularBinding{}, ErrNotFound
		}
		return model.TabularBinding{}, fmt.Errorf("storage: get binding: %w", err)
	}
	return b, nil
}

// GetBindingCredential returns the sealed credential for a binding the
// user owns. Kept separate from GetTabularBinding so credential bytes
// only travel where execution needs them.
func (db *DB) GetBindingCredential(ctx context.Context, userID, id uuid.UUID) (SealedCredential, error) {
	if userID == uuid.Nil {
		return SealedCredential{}, ErrScopeViolation
	}
	var cred SealedCredential
	err := db.pool.QueryRow(ctx,
		`SELECT credential_ciphertext, credential_nonce
		 FROM tabular_bindings WHERE user_id = $1 AND id = $2`,
		userID, id,
	).Scan(&cred.Ciphertext, &cred.Nonce)
	if err != nil {
		if err == pgx.ErrNoRows {
			return SealedCredential{}, ErrNotFound
		}
		return SealedCredential{}, fmt.Errorf("storage: get binding credential: %w", err)
	}
	return cred, nil
}

// ListTabularBindings returns a user's bindings, newest first.
func (db *DB) ListTabularBindings(ctx context.Context, userID uuid.UUID) ([]model.TabularBinding, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, display_name, engine_tag, status, schema_snapshot, last_validated_at, error, created_at
		 FROM tabular_bindings WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list bindings: %w", err)
	}
	defer rows.Close()

	var out []model.TabularBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan binding: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list bindings: %w", err)
	}
	return out, nil
}

// ActivateBinding marks a binding active and stores its schema snapshot.
func (db *DB) ActivateBinding(ctx context.Context, userID, id uuid.UUID, snapshot model.SchemaSnapshot) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage: encode schema snapshot: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tabular_bindings
		 SET status = 'active', schema_snapshot = $3, last_validated_at = now(), error = NULL
		 WHERE user_id = $1 AND id = $2`,
		userID, id, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: activate binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailBinding marks a binding failed with a sanitized reason. Failed
// bindings keep their snapshot (if any) for the settings surface.
func (db *DB) FailBinding(ctx context.Context, userID, id uuid.UUID, reason string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tabular_bindings
		 SET status = 'failed', error = $3
		 WHERE user_id = $1 AND id = $2`,
		userID, id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTabularBinding removes a binding and its history (FK cascade).
func (db *DB) DeleteTabularBinding(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tabular_bindings WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("storage: delete binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTabularHistory records one planner attempt against a binding.
// History is written for successes and failures alike.
func (db *DB) AppendTabularHistory(ctx context.Context, e model.TabularHistoryEntry) error {
	if e.UserID == uuid.Nil {
		return ErrScopeViolation
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tabular_history (id, user_id, binding_id, question, generated_sql, row_count, wall_ms, error_kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		e.ID, e.UserID, e.BindingID, e.Question, e.GeneratedSQL, e.RowCount, e.WallMS, e.ErrorKind,
	)
	if err != nil {
		return fmt.Errorf("storage: append tabular history: %w", err)
	}
	return nil
}

// ListTabularHistory returns recent planner attempts for one binding the
// user owns, newest first.
func (db *DB) ListTabularHistory(ctx context.Context, userID, bindingID uuid.UUID, limit int) ([]model.TabularHistoryEntry, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, binding_id, question, generated_sql, row_count, wall_ms, error_kind, created_at
		 FROM tabular_history
		 WHERE user_id = $1 AND binding_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, bindingID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tabular history: %w", err)
	}
	defer rows.Close()

	var out []model.TabularHistoryEntry
	for rows.Next() {
		var e model.TabularHistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.BindingID, &e.Question, &e.GeneratedSQL, &e.RowCount, &e.WallMS, &e.ErrorKind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tabular history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list tabular history: %w", err)
	}
	return out, nil
}

type bindingScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row bindingScanner) (model.TabularBinding, error) {
	var (
		b   model.TabularBinding
		raw []byte
	)
	if err := row.Scan(&b.ID, &b.UserID, &b.DisplayName, &b.EngineTag, &b.Status, &raw, &b.LastValidatedAt, &b.Error, &b.CreatedAt); err != nil {
		return model.TabularBinding{}, err
	}
	if len(raw) > 0 {
		var snap model.SchemaSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return model.TabularBinding{}, fmt.Errorf("decode schema snapshot: %w", err)
		}
		b.SchemaSnapshot = &snap
	}
	return b, nil
}
