package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/braidhq/braid/internal/model"
)

// InsertMemory stores one extracted memory with its embedding.
func (db *DB) InsertMemory(ctx context.Context, m model.Memory) error {
	if m.UserID == uuid.Nil {
		return ErrScopeViolation
	}
	if m.Embedding == nil {
		return fmt.Errorf("storage: insert memory: missing embedding")
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, kind, content, embedding, source_conversation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.UserID, m.Kind, m.Content, *m.Embedding, m.SourceConversationID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert memory: %w", err)
	}
	return nil
}

// RecallMemories returns the user's memories most similar to the query
// embedding, best first, filtered to similarity >= threshold. Cosine
// similarity is 1 - cosine distance.
func (db *DB) RecallMemories(ctx context.Context, userID uuid.UUID, query pgvector.Vector, k int, threshold float32) ([]model.ScoredMemory, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if k <= 0 {
		k = 3
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, kind, content, source_conversation_id, created_at,
		        1 - (embedding <=> $2) AS similarity
		 FROM memories
		 WHERE user_id = $1 AND 1 - (embedding <=> $2) >= $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		userID, query, threshold, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recall memories: %w", err)
	}
	defer rows.Close()

	var out []model.ScoredMemory
	for rows.Next() {
		var m model.ScoredMemory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Content, &m.SourceConversationID, &m.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recall memories: %w", err)
	}
	return out, nil
}

// ListMemories returns a user's memories newest first, for inspection
// and deletion from the settings surface.
func (db *DB) ListMemories(ctx context.Context, userID uuid.UUID, limit int) ([]model.Memory, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, kind, content, source_conversation_id, created_at
		 FROM memories WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Content, &m.SourceConversationID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	return out, nil
}

// DeleteMemory removes one memory owned by the user.
func (db *DB) DeleteMemory(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
