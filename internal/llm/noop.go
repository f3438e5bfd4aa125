package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// NoopChatProvider streams a canned acknowledgement of the last user
// message. Used in dev environments with no API keys and as a deterministic
// stand-in for tests.
type NoopChatProvider struct{}

// Name identifies the provider in logs and metrics.
func (NoopChatProvider) Name() string { return "noop" }

// Chat echoes the final user message as a short deterministic stream.
func (NoopChatProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			last = m.Content
		}
	}
	reply := "I can't reach a language model right now."
	if last != "" {
		reply = fmt.Sprintf("No model is configured; echoing your message: %s", last)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(reply, " ") {
			if !sendChunk(ctx, ch, Chunk{Delta: word}) {
				return
			}
		}
		sendChunk(ctx, ch, Chunk{
			Done:         true,
			InputTokens:  len(last) / 4,
			OutputTokens: len(reply) / 4,
		})
	}()
	return ch, nil
}

// NoopEmbedder produces deterministic pseudo-embeddings by hashing trigrams
// into a fixed-size vector and normalizing. Similar texts land near each
// other, which keeps semantic search usable in dev and makes retrieval
// ranking reproducible in tests. Not a substitute for a real model.
type NoopEmbedder struct {
	dims int
}

// NewNoopEmbedder creates a deterministic embedder.
func NewNoopEmbedder(dims int) *NoopEmbedder {
	return &NoopEmbedder{dims: dims}
}

// Dimensions returns the embedding vector size.
func (e *NoopEmbedder) Dimensions() int { return e.dims }

// Embed returns the hashed-trigram vector for text.
func (e *NoopEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, e.dims)
	lowered := strings.ToLower(text)
	if len(lowered) < 3 {
		lowered += "   "
	}
	for i := 0; i+3 <= len(lowered); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(lowered[i : i+3]))
		vec[int(h.Sum32())%e.dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch returns hashed-trigram vectors for each text.
func (e *NoopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}
