package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DocumentStatus is the ingestion state of a document.
// Transitions: pending -> processing -> {ready, failed}. Only terminal
// states persist chunks.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an uploaded text source owned by a single user.
// ContentHash is the SHA-256 of the raw upload bytes; together with the
// owner it enforces per-user deduplication: re-uploading identical bytes
// returns the existing ready document instead of creating another.
type Document struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	DisplayName string         `json:"display_name"`
	MimeTag     string         `json:"mime_tag"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Chunk is the indivisible unit of retrieval: one span of a document with
// a vector embedding and a lexical index entry. Ordinals are contiguous
// and start at zero within a document; chunks are immutable once written.
type Chunk struct {
	ID          uuid.UUID        `json:"id"`
	DocumentID  uuid.UUID        `json:"document_id"`
	UserID      uuid.UUID        `json:"user_id"`
	Ordinal     int              `json:"ordinal"`
	Text        string           `json:"text"`
	Embedding   *pgvector.Vector `json:"-"`
	TokenCount  int              `json:"token_count"`
	Page        *int             `json:"page,omitempty"`
	StartOffset int              `json:"start_offset"`
	EndOffset   int              `json:"end_offset"`
}
