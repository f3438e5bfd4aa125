package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams chat completions from the OpenAI Chat API.
// Safe for concurrent use; every Chat call owns an independent stream.
type OpenAIProvider struct {
	client     *openai.Client
	retryDelay time.Duration
}

// NewOpenAIProvider creates a provider from an API key.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: openai: API key is required")
	}
	return &OpenAIProvider{
		client:     openai.NewClient(apiKey),
		retryDelay: time.Second,
	}, nil
}

// Name identifies the provider in logs and metrics.
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat starts a streamed completion. Stream creation retries on transient
// failures; once the stream is live, errors surface to the consumer because
// partial output cannot be replayed.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.ModelTag,
		Messages: openaiMessages(req),
		Stream:   true,
		// The final pre-[DONE] chunk carries token usage.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var (
		stream  *openai.ChatCompletionStream
		lastErr error
	)
	for attempt := 0; attempt < maxChatAttempts; attempt++ {
		if attempt > 0 && !sleepBackoff(ctx, p.retryDelay, attempt-1) {
			return nil, ctx.Err()
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("llm: openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llm: openai: retries exhausted: %w", lastErr)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var inputTokens, outputTokens int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				sendChunk(ctx, ch, Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			if err != nil {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: openai: %w", err)})
				return
			}
			if resp.Usage != nil {
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens
			}
			// The usage-bearing chunk arrives with an empty choice list.
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !sendChunk(ctx, ch, Chunk{Delta: delta}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// openaiMessages flattens the request into OpenAI's message list; the system
// prompt rides along as the first message.
func openaiMessages(req ChatRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API,
// requesting a fixed output dimensionality so vectors match the pgvector
// column regardless of the model's native size.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedding provider.
// Model should be a text-embedding-3 family model; dims must be a size that
// model supports (they allow truncated output dimensions).
func NewOpenAIEmbedder(apiKey, model string, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: openai embedder: API key is required")
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		dims:   dims,
	}, nil
}

// Dimensions returns the embedding vector size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// Embed generates a single embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: openai embeddings: %w", err)
	}

	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("llm: openai embeddings: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}
