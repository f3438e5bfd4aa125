// Package search maintains the external dense index for document chunks.
//
// Postgres is the source of truth; Qdrant is a disposable mirror kept in
// sync through the search_outbox table. When no index is configured the
// retrieval pipeline falls back to pgvector cosine search, so everything
// here is optional at runtime.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a chunk ID and its raw cosine similarity from the index.
// The caller hydrates chunk rows from Postgres.
type Result struct {
	ChunkID uuid.UUID
	Score   float32
}

// Index is the read surface the retrieval pipeline consumes.
// Implementations must be safe for concurrent use.
type Index interface {
	// Search returns chunk IDs nearest to the query embedding, scoped to
	// one user. Results carry raw similarity scores.
	Search(ctx context.Context, userID uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable, or an error describing
	// the problem. Callers use it to decide between index and fallback.
	Healthy(ctx context.Context) error
}
