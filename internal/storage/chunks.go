package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/braidhq/braid/internal/model"
)

// ChunkHit is a chunk returned by a ranked search, carrying the owning
// document's display name for citation packaging.
type ChunkHit struct {
	Chunk        model.Chunk
	DocumentName string
	Score        float32
}

// InsertDocumentChunks writes all chunks for a document, flips the document
// to ready, and enqueues index upserts, atomically. The chunk_count on the
// document always equals the number of chunk rows because both are written
// in this one transaction. Ordinals must be contiguous from zero; the
// unique (document_id, ordinal) constraint rejects duplicates.
func (db *DB) InsertDocumentChunks(ctx context.Context, userID, documentID uuid.UUID, chunks []model.Chunk) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	if len(chunks) == 0 {
		return fmt.Errorf("storage: insert chunks: empty chunk set")
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert chunks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.Embedding == nil {
			return fmt.Errorf("storage: insert chunks: chunk %d has no embedding", c.Ordinal)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, user_id, ordinal, content, embedding, token_count, page, start_offset, end_offset)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, documentID, userID, c.Ordinal, c.Text, *c.Embedding, c.TokenCount, c.Page, c.StartOffset, c.EndOffset,
		); err != nil {
			return fmt.Errorf("storage: insert chunk %d: %w", c.Ordinal, err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'ready', chunk_count = $1, error = NULL, processed_at = now()
		 WHERE user_id = $2 AND id = $3 AND status = 'processing'`,
		len(chunks), userID, documentID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark document ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for i := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (chunk_id, user_id, op) VALUES ($1, $2, 'upsert')`,
			chunks[i].ID, userID,
		); err != nil {
			return fmt.Errorf("storage: enqueue index upsert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert chunks: %w", err)
	}
	return nil
}

// GetChunks fetches chunks by ID within a user scope. Chunks the user does
// not own are silently absent from the result.
func (db *DB) GetChunks(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]ChunkHit, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.user_id, c.ordinal, c.content, c.token_count, c.page,
		        c.start_offset, c.end_offset, d.display_name
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.user_id = $1 AND c.id = ANY($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunkHits(rows, false)
}

// DenseSearch returns the top-k chunks by cosine similarity to the query
// embedding. Score is similarity in [0,1] (1 - cosine distance). Used
// directly when no external index is configured.
func (db *DB) DenseSearch(ctx context.Context, userID uuid.UUID, query pgvector.Vector, k int) ([]ChunkHit, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if k <= 0 {
		k = 40
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.user_id, c.ordinal, c.content, c.token_count, c.page,
		        c.start_offset, c.end_offset, d.display_name,
		        1 - (c.embedding <=> $2) AS score
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.user_id = $1 AND d.status = 'ready'
		 ORDER BY c.embedding <=> $2
		 LIMIT $3`,
		userID, query, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: dense search: %w", err)
	}
	defer rows.Close()
	return scanChunkHits(rows, true)
}

// LexicalSearch returns the top-k chunks by full-text rank for a natural
// language query. A query that normalizes to no lexemes (stopwords only)
// returns an empty list, not an error.
func (db *DB) LexicalSearch(ctx context.Context, userID uuid.UUID, query string, k int) ([]ChunkHit, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if k <= 0 {
		k = 40
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.user_id, c.ordinal, c.content, c.token_count, c.page,
		        c.start_offset, c.end_offset, d.display_name,
		        ts_rank(c.tsv, q) AS score
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id,
		      websearch_to_tsquery('english', $2) q
		 WHERE c.user_id = $1 AND d.status = 'ready' AND c.tsv @@ q
		 ORDER BY score DESC
		 LIMIT $3`,
		userID, query, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lexical search: %w", err)
	}
	defer rows.Close()
	return scanChunkHits(rows, true)
}

// ChunkForIndex carries the fields the outbox worker needs to build an
// index point, embedding included.
type ChunkForIndex struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	UserID     uuid.UUID
	Ordinal    int
	Embedding  []float32
}

// ChunksForIndex fetches index-bound chunk data by ID, unscoped: the outbox
// worker syncs all users' chunks.
func (db *DB) ChunksForIndex(ctx context.Context, ids []uuid.UUID) ([]ChunkForIndex, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, document_id, user_id, ordinal, embedding FROM chunks WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunks for index: %w", err)
	}
	defer rows.Close()

	var out []ChunkForIndex
	for rows.Next() {
		var c ChunkForIndex
		var emb pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Ordinal, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan chunk for index: %w", err)
		}
		c.Embedding = emb.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkChunksIndexed stamps indexed_at after a successful index push. Unscoped
// for the same reason as ChunksForIndex.
func (db *DB) MarkChunksIndexed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE chunks SET indexed_at = now() WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: mark chunks indexed: %w", err)
	}
	return nil
}

// BackfillOutbox enqueues upserts for every never-indexed chunk of a ready
// document that has no pending outbox row. Run once at startup so chunks
// written while the index was unreachable eventually converge; indexed_at
// keeps already-pushed chunks from being re-enqueued every boot.
func (db *DB) BackfillOutbox(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO search_outbox (chunk_id, user_id, op)
		 SELECT c.id, c.user_id, 'upsert'
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id AND d.status = 'ready'
		 WHERE c.indexed_at IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM search_outbox o WHERE o.chunk_id = c.id
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: backfill outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanChunkHits(rows pgx.Rows, withScore bool) ([]ChunkHit, error) {
	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		dest := []any{
			&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.UserID, &h.Chunk.Ordinal, &h.Chunk.Text,
			&h.Chunk.TokenCount, &h.Chunk.Page, &h.Chunk.StartOffset, &h.Chunk.EndOffset, &h.DocumentName,
		}
		if withScore {
			dest = append(dest, &h.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("storage: scan chunk hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
