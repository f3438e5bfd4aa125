package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryKind classifies a remembered fact about the user.
type MemoryKind string

const (
	MemoryFact       MemoryKind = "fact"
	MemoryPreference MemoryKind = "preference"
	MemoryInsight    MemoryKind = "insight"
	MemoryEvent      MemoryKind = "event"
)

// Memory is one durable fact extracted from past conversations. Memories
// are recalled by embedding similarity and grouped by kind in the prompt.
type Memory struct {
	ID                   uuid.UUID        `json:"id"`
	UserID               uuid.UUID        `json:"user_id"`
	Kind                 MemoryKind       `json:"kind"`
	Content              string           `json:"content"`
	Embedding            *pgvector.Vector `json:"-"`
	SourceConversationID *uuid.UUID       `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// ScoredMemory is a recalled memory with its cosine similarity to the query.
type ScoredMemory struct {
	Memory
	Similarity float32 `json:"similarity"`
}

// ValidMemoryKind reports whether k is a known memory kind.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case MemoryFact, MemoryPreference, MemoryInsight, MemoryEvent:
		return true
	}
	return false
}
