package braid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatRequest describes one streamed completion call handed to a custom
// ChatProvider.
type ChatRequest struct {
	ModelTag  string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatChunk is one streamed piece of a completion. A chunk with Done or a
// non-nil Err ends the stream; token counts ride on the terminal chunk.
type ChatChunk struct {
	Delta        string
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// ChatProvider streams completions for model tags no built-in provider
// claims. When provided via WithChatProvider it becomes the gateway's
// catch-all: any tag not matched by a configured Anthropic, OpenAI, or
// Ollama provider routes here.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
	Name() string
}

// EmbeddingProvider generates vector embeddings from text. When provided
// via WithEmbeddingProvider it replaces the auto-detected provider. Uses
// []float32 so external consumers do not depend on pgvector types; New
// wraps it in an adapter for internal use. Dimensions must match the
// vector columns the schema was migrated with.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Reranker rescores retrieval passages against a query, one score per
// passage in input order. When provided via WithReranker it replaces the
// HTTP reranker the BRAID_RERANKER_URL config would build.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float32, error)
}

// SearchHit is one web search result from a custom SearchProvider.
type SearchHit struct {
	Title       string
	URL         string
	Snippet     string
	PublishedAt string // RFC 3339 or empty when unknown
}

// SearchProvider runs one web search for the research coordinator.
// Providers added via WithSearchProvider search alongside any configured
// Brave or Serper provider; having at least one enables research.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
	Name() string
}

// TurnEvent summarizes one completed conversation turn.
type TurnEvent struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID
	TurnID         uuid.UUID
	Branch         string // "direct", "corpus", "tabular", or "research"
	ModelTag       string
	InputTokens    int
	OutputTokens   int
	LatencyMS      int64
}

// DocumentEvent reports a document that finished ingestion and became
// queryable.
type DocumentEvent struct {
	UserID     uuid.UUID
	DocumentID uuid.UUID
	ChunkCount int
}

// ResearchEvent reports a research job that reached complete. DocumentID
// is the ingested report, nil when report filing failed.
type ResearchEvent struct {
	UserID     uuid.UUID
	JobID      uuid.UUID
	Topic      string
	WordCount  int
	DocumentID *uuid.UUID
}

// EventHook receives async lifecycle notifications. Multiple hooks may be
// registered via multiple WithEventHook calls; every hook receives every
// event. Hook methods run in goroutines with a bounded context — returned
// errors are logged and never fail the originating operation.
type EventHook interface {
	OnTurnCompleted(ctx context.Context, e TurnEvent) error
	OnDocumentIngested(ctx context.Context, e DocumentEvent) error
	OnResearchCompleted(ctx context.Context, e ResearchEvent) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux. It is
// called once during New after all built-in routes. Registered paths sit
// behind the same middleware chain, bearer auth included.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost, before
// routing, so it sees every request including /health. Multiple
// middlewares apply in registration order: first registered is outermost.
type Middleware func(http.Handler) http.Handler
