package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/braidhq/braid/internal/model"
)

// CreateConversation inserts a new conversation for a user.
func (db *DB) CreateConversation(ctx context.Context, userID uuid.UUID, title *string) (model.Conversation, error) {
	if userID == uuid.Nil {
		return model.Conversation{}, ErrScopeViolation
	}
	now := time.Now().UTC()
	conv := model.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation owned by the given user.
func (db *DB) GetConversation(ctx context.Context, userID, id uuid.UUID) (model.Conversation, error) {
	if userID == uuid.Nil {
		return model.Conversation{}, ErrScopeViolation
	}
	var conv model.Conversation
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = $1 AND id = $2`,
		userID, id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations grouped into recency
// buckets computed against the caller-supplied wall clock. Buckets are
// ordered today, yesterday, prior week, older; conversations within a
// bucket are most-recently-updated first. Empty buckets are omitted.
func (db *DB) ListConversations(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]model.ConversationGroup, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	return bucketConversations(convs, now), nil
}

// bucketConversations groups conversations by recency against the supplied
// clock. Day boundaries use the clock's location so "today" matches the
// caller's calendar, not the server's.
func bucketConversations(convs []model.Conversation, now time.Time) []model.ConversationGroup {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	startOfPriorWeek := startOfToday.AddDate(0, 0, -7)

	byBucket := map[model.ConversationBucket][]model.Conversation{}
	for _, c := range convs {
		t := c.UpdatedAt.In(now.Location())
		var b model.ConversationBucket
		switch {
		case !t.Before(startOfToday):
			b = model.BucketToday
		case !t.Before(startOfYesterday):
			b = model.BucketYesterday
		case !t.Before(startOfPriorWeek):
			b = model.BucketPriorWeek
		default:
			b = model.BucketOlder
		}
		byBucket[b] = append(byBucket[b], c)
	}

	order := []model.ConversationBucket{
		model.BucketToday, model.BucketYesterday, model.BucketPriorWeek, model.BucketOlder,
	}
	var groups []model.ConversationGroup
	for _, b := range order {
		if cs := byBucket[b]; len(cs) > 0 {
			groups = append(groups, model.ConversationGroup{Bucket: b, Conversations: cs})
		}
	}
	return groups
}

// SetConversationTitle sets a title explicitly (user rename).
func (db *DB) SetConversationTitle(ctx context.Context, userID, id uuid.UUID, title string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET title = $1, updated_at = now()
		 WHERE user_id = $2 AND id = $3`,
		title, userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set conversation title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDerivedTitle assigns a derived title only when none exists yet.
// A title set once is never silently replaced; returns true if assigned.
func (db *DB) SetDerivedTitle(ctx context.Context, userID, id uuid.UUID, title string) (bool, error) {
	if userID == uuid.Nil {
		return false, ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET title = $1
		 WHERE user_id = $2 AND id = $3 AND title IS NULL`,
		title, userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: set derived title: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchConversation bumps updated_at after a new message lands.
func (db *DB) TouchConversation(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages (FK cascade).
// Research sources citing those messages lose the referrer and are swept
// by the orphan cleanup loop.
func (db *DB) DeleteConversation(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversations(rows pgx.Rows) ([]model.Conversation, error) {
	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
