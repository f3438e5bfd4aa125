package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/braidhq/braid/internal/model"
)

// CreateDocument inserts a document row in pending state.
func (db *DB) CreateDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	if doc.UserID == uuid.Nil {
		return model.Document{}, ErrScopeViolation
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = model.DocumentPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, display_name, mime_tag, size_bytes, content_hash, status, chunk_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.UserID, doc.DisplayName, doc.MimeTag, doc.SizeBytes, doc.ContentHash, doc.Status, doc.ChunkCount, doc.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Document{}, ErrConflict
		}
		return model.Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	return doc, nil
}

// GetDocument retrieves a document owned by the given user.
func (db *DB) GetDocument(ctx context.Context, userID, id uuid.UUID) (model.Document, error) {
	if userID == uuid.Nil {
		return model.Document{}, ErrScopeViolation
	}
	rows, err := db.pool.Query(ctx,
		documentColumns+` FROM documents WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: get document: %w", err)
	}
	defer rows.Close()
	docs, err := scanDocuments(rows)
	if err != nil {
		return model.Document{}, err
	}
	if len(docs) == 0 {
		return model.Document{}, ErrNotFound
	}
	return docs[0], nil
}

// ListDocuments returns a user's documents, newest first.
func (db *DB) ListDocuments(ctx context.Context, userID uuid.UUID, limit int) ([]model.Document, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		documentColumns+` FROM documents WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListReadyDocuments returns the ready documents for a user, used to build
// the orchestrator's document inventory block.
func (db *DB) ListReadyDocuments(ctx context.Context, userID uuid.UUID, limit int) ([]model.Document, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		documentColumns+` FROM documents WHERE user_id = $1 AND status = 'ready' ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ready documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// FindReadyDocumentByHash looks up a ready document with the same content
// hash for dedup. ErrNotFound means the upload is new.
func (db *DB) FindReadyDocumentByHash(ctx context.Context, userID uuid.UUID, contentHash string) (model.Document, error) {
	if userID == uuid.Nil {
		return model.Document{}, ErrScopeViolation
	}
	rows, err := db.pool.Query(ctx,
		documentColumns+` FROM documents WHERE user_id = $1 AND content_hash = $2 AND status = 'ready'`,
		userID, contentHash,
	)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: find document by hash: %w", err)
	}
	defer rows.Close()
	docs, err := scanDocuments(rows)
	if err != nil {
		return model.Document{}, err
	}
	if len(docs) == 0 {
		return model.Document{}, ErrNotFound
	}
	return docs[0], nil
}

// MarkDocumentProcessing flips a pending document to processing.
func (db *DB) MarkDocumentProcessing(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE documents SET status = 'processing' WHERE user_id = $1 AND id = $2 AND status = 'pending'`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark document processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentFailed records a terminal ingestion failure. Any chunks from
// a partial attempt are removed so failed documents never retain chunks.
func (db *DB) MarkDocumentFailed(ctx context.Context, userID, id uuid.UUID, cause string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin mark failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE user_id = $1 AND document_id = $2`, userID, id,
	); err != nil {
		return fmt.Errorf("storage: clear partial chunks: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'failed', error = $1, chunk_count = 0, processed_at = now()
		 WHERE user_id = $2 AND id = $3`,
		cause, userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark document failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// DeleteDocument removes a document and returns the IDs of its chunks so
// the caller can enqueue index deletions. Chunks go via FK cascade.
func (db *DB) DeleteDocument(ctx context.Context, userID, id uuid.UUID) ([]uuid.UUID, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id FROM chunks WHERE user_id = $1 AND document_id = $2`, userID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list document chunks: %w", err)
	}
	var chunkIDs []uuid.UUID
	for rows.Next() {
		var cid uuid.UUID
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, cid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list document chunks: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE user_id = $1 AND id = $2`, userID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	// Queue index deletions inside the same transaction so a crash between
	// row delete and enqueue cannot leave ghost points in Qdrant.
	for _, cid := range chunkIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (chunk_id, user_id, op) VALUES ($1, $2, 'delete')`,
			cid, userID,
		); err != nil {
			return nil, fmt.Errorf("storage: enqueue index delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit delete document: %w", err)
	}
	return chunkIDs, nil
}

const documentColumns = `SELECT id, user_id, display_name, mime_tag, size_bytes, content_hash,
 status, chunk_count, error, created_at, processed_at`

func scanDocuments(rows pgx.Rows) ([]model.Document, error) {
	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.DisplayName, &d.MimeTag, &d.SizeBytes, &d.ContentHash,
			&d.Status, &d.ChunkCount, &d.Error, &d.CreatedAt, &d.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
