package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Conversation is a thread of messages owned by a single user.
// Title is derived from the first user turn once assigned and never
// silently changes afterwards.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one append-only entry in a conversation. Assistant messages
// carry generation stats and the citations the reply referenced inline.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	UserID         uuid.UUID   `json:"user_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	AgentTag       *string     `json:"agent_tag,omitempty"`
	ModelTag       *string     `json:"model_tag,omitempty"`
	InputTokens    *int        `json:"input_tokens,omitempty"`
	OutputTokens   *int        `json:"output_tokens,omitempty"`
	LatencyMS      *int64      `json:"latency_ms,omitempty"`
	Citations      []Citation  `json:"citations,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Citation links an inline [n] marker in an assistant reply to the chunk
// that supports it. N is 1-based and matches the marker exactly.
type Citation struct {
	N            int       `json:"n"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Page         *int      `json:"page,omitempty"`
	ChunkID      uuid.UUID `json:"chunk_id"`
	Score        float32   `json:"score"`
}

// ConversationBucket is a recency group for conversation listing.
// Buckets are computed against the caller-supplied wall clock, not the
// server's clock at read time, so pagination stays deterministic.
type ConversationBucket string

const (
	BucketToday     ConversationBucket = "today"
	BucketYesterday ConversationBucket = "yesterday"
	BucketPriorWeek ConversationBucket = "prior_week"
	BucketOlder     ConversationBucket = "older"
)

// ConversationGroup is one bucket of the grouped conversation listing.
type ConversationGroup struct {
	Bucket        ConversationBucket `json:"bucket"`
	Conversations []Conversation     `json:"conversations"`
}
