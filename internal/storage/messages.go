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

// AppendMessage inserts a message and bumps the conversation's updated_at
// in one transaction. Messages are append-only; there is no update path.
func (db *DB) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.UserID == uuid.Nil {
		return model.Message{}, ErrScopeViolation
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var citations []byte
	if len(msg.Citations) > 0 {
		var err error
		citations, err = json.Marshal(msg.Citations)
		if err != nil {
			return model.Message{}, fmt.Errorf("storage: marshal citations: %w", err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Ownership check rides on the conversation row update: zero rows means
	// the conversation does not exist or belongs to someone else.
	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE user_id = $2 AND id = $3`,
		msg.CreatedAt, msg.UserID, msg.ConversationID,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Message{}, ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, agent_tag, model_tag,
		 input_tokens, output_tokens, latency_ms, citations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.AgentTag, msg.ModelTag,
		msg.InputTokens, msg.OutputTokens, msg.LatencyMS, citations, msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: append message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("storage: commit append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a page of messages in (created_at, id) order,
// oldest first. A zero cursor starts from the beginning.
func (db *DB) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, afterCreatedAt time.Time, afterID uuid.UUID, limit int) ([]model.Message, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, agent_tag, model_tag,
		 input_tokens, output_tokens, latency_ms, citations, created_at
		 FROM messages
		 WHERE user_id = $1 AND conversation_id = $2 AND (created_at, id) > ($3, $4)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5`,
		userID, conversationID, afterCreatedAt, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last k messages of a conversation in
// chronological order. This backs the orchestrator's history window.
func (db *DB) RecentMessages(ctx context.Context, userID, conversationID uuid.UUID, k int) ([]model.Message, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if k <= 0 {
		k = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, agent_tag, model_tag,
		 input_tokens, output_tokens, latency_ms, citations, created_at
		 FROM (
		     SELECT id, conversation_id, user_id, role, content, agent_tag, model_tag,
		            input_tokens, output_tokens, latency_ms, citations, created_at
		     FROM messages
		     WHERE user_id = $1 AND conversation_id = $2
		     ORDER BY created_at DESC, id DESC
		     LIMIT $3
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		userID, conversationID, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FirstUserMessage returns the earliest user-authored message of a
// conversation, used for title derivation.
func (db *DB) FirstUserMessage(ctx context.Context, userID, conversationID uuid.UUID) (model.Message, error) {
	if userID == uuid.Nil {
		return model.Message{}, ErrScopeViolation
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, agent_tag, model_tag,
		 input_tokens, output_tokens, latency_ms, citations, created_at
		 FROM messages
		 WHERE user_id = $1 AND conversation_id = $2 AND role = 'user'
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		userID, conversationID,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: first user message: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return model.Message{}, err
	}
	if len(msgs) == 0 {
		return model.Message{}, ErrNotFound
	}
	return msgs[0], nil
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var citations []byte
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.AgentTag, &m.ModelTag,
			&m.InputTokens, &m.OutputTokens, &m.LatencyMS, &citations, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fmt.Errorf("storage: unmarshal citations: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
