// Command reembed recomputes the embedding for every stored chunk and
// memory. Run it after switching embedding model or provider: vectors from
// different models are not comparable, so a mixed corpus silently degrades
// retrieval until every row is re-embedded.
//
// Usage (stop the server first, then run from the repo root):
//
//	BRAID_EMBEDDING_PROVIDER=openai OPENAI_API_KEY=... go run ./scripts/reembed
//
// The script reads the same BRAID_* environment the server does, re-embeds
// in batches of 64, and finally backfills the search outbox so a configured
// Qdrant mirror resyncs on next server start. Safe to re-run; it always
// processes every row.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/braidhq/braid/internal/llm"
)

const batchSize = 64

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("BRAID_DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return fmt.Errorf("BRAID_DATABASE_URL is required")
	}

	embedder, err := newEmbedder()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Minute)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	for _, table := range []struct{ name, textCol string }{
		{"chunks", "text"},
		{"memories", "content"},
	} {
		n, err := reembedTable(ctx, pool, embedder, table.name, table.textCol)
		if err != nil {
			return fmt.Errorf("%s: %w", table.name, err)
		}
		fmt.Printf("%s: re-embedded %d rows\n", table.name, n)
	}

	// The old vectors in Qdrant are now stale. Clear indexed_at so the
	// server's startup backfill still converges if the enqueue below is
	// lost before the worker drains it.
	if _, err := pool.Exec(ctx, `UPDATE chunks SET indexed_at = NULL`); err != nil {
		return fmt.Errorf("clear indexed_at: %w", err)
	}

	// Queue every chunk for the Qdrant outbox; the server's worker picks
	// them up on next start. Chunks already pending are skipped.
	tag, err := pool.Exec(ctx,
		`INSERT INTO search_outbox (chunk_id, user_id, op)
		 SELECT c.id, c.user_id, 'upsert' FROM chunks c
		 WHERE NOT EXISTS (
		     SELECT 1 FROM search_outbox o WHERE o.chunk_id = c.id
		 )`)
	if err != nil {
		return fmt.Errorf("outbox backfill: %w", err)
	}
	fmt.Printf("search_outbox: queued %d upserts\n", tag.RowsAffected())
	return nil
}

func reembedTable(ctx context.Context, pool *pgxpool.Pool, embedder llm.EmbeddingProvider, table, textCol string) (int, error) {
	total := 0
	var lastID uuid.UUID

	for {
		rows, err := pool.Query(ctx, fmt.Sprintf(
			`SELECT id, %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`,
			textCol, table), lastID, batchSize)
		if err != nil {
			return total, fmt.Errorf("select: %w", err)
		}
		ids := make([]uuid.UUID, 0, batchSize)
		texts := make([]string, 0, batchSize)
		for rows.Next() {
			var id uuid.UUID
			var text string
			if err := rows.Scan(&id, &text); err != nil {
				rows.Close()
				return total, fmt.Errorf("scan: %w", err)
			}
			ids = append(ids, id)
			texts = append(texts, text)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed batch at %s: %w", ids[0], err)
		}
		for i, id := range ids {
			if err := updateEmbedding(ctx, pool, table, id, vecs[i]); err != nil {
				return total, err
			}
		}

		total += len(ids)
		lastID = ids[len(ids)-1]
		fmt.Printf("%s: %d...\n", table, total)
	}
}

func updateEmbedding(ctx context.Context, pool *pgxpool.Pool, table string, id uuid.UUID, vec pgvector.Vector) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET embedding = $1 WHERE id = $2`, table), vec, id)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return nil
}

// newEmbedder mirrors the server's provider selection, minus the noop
// fallback — re-embedding a corpus with noop vectors would be destructive.
func newEmbedder() (llm.EmbeddingProvider, error) {
	dims := 1024
	if v := os.Getenv("BRAID_EMBEDDING_DIMENSIONS"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &dims); err != nil {
			return nil, fmt.Errorf("BRAID_EMBEDDING_DIMENSIONS: %w", err)
		}
	}
	switch provider := os.Getenv("BRAID_EMBEDDING_PROVIDER"); provider {
	case "openai":
		model := os.Getenv("BRAID_EMBEDDING_MODEL")
		if model == "" {
			model = "text-embedding-3-small"
		}
		return llm.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), model, dims)
	case "ollama":
		model := os.Getenv("BRAID_OLLAMA_EMBED_MODEL")
		if model == "" {
			model = "mxbai-embed-large"
		}
		return llm.NewOllamaEmbedder(os.Getenv("BRAID_OLLAMA_URL"), model, dims), nil
	default:
		return nil, fmt.Errorf("BRAID_EMBEDDING_PROVIDER must be openai or ollama, got %q", provider)
	}
}
