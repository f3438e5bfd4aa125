// Package llm routes chat and embedding traffic to configured model providers.
//
// The Gateway owns a registry mapping model tags to ChatProvider
// implementations (Anthropic, OpenAI, Ollama, noop) plus a single
// EmbeddingProvider. Chat responses stream through a channel of Chunk values
// ending in exactly one terminal chunk, which carries token counts so callers
// can record spend without a second round trip.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/telemetry"
)

// Message roles understood by every chat provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of chat input.
type Message struct {
	Role    string
	Content string
}

// ChatRequest describes one streamed completion call.
type ChatRequest struct {
	// ModelTag selects the provider via the gateway registry. Empty uses
	// the gateway default.
	ModelTag string
	// System is the system prompt, kept separate from Messages because
	// Anthropic's API wants it out of band.
	System    string
	Messages  []Message
	MaxTokens int
}

// Chunk is one streamed piece of a chat response.
//
// A chunk is terminal when Done is true or Err is non-nil. Token counts are
// only populated on the terminal chunk. Callers must drain the channel until
// the terminal chunk or cancel the context they passed to Chat. Streams
// obtained from the Gateway always end in exactly one terminal chunk; a raw
// provider stream whose context was cancelled may close without one.
type Chunk struct {
	Delta        string
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Terminal reports whether c ends the stream.
func (c Chunk) Terminal() bool { return c.Done || c.Err != nil }

// Usage is what the Meter hook receives after each completed chat call.
type Usage struct {
	ModelTag     string
	InputTokens  int64
	OutputTokens int64
	Wall         time.Duration
}

// Meter observes completed chat calls. Hooks must be fast and non-blocking;
// they run on the stream-forwarding goroutine.
type Meter func(Usage)

// ChatProvider streams completions for one upstream model API.
type ChatProvider interface {
	// Chat starts a streamed completion. The returned channel follows the
	// Chunk terminal contract. An immediate error means the request never
	// started (bad input, missing key).
	Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// ErrUnknownModel is returned when no provider is registered for a model tag.
var ErrUnknownModel = fmt.Errorf("llm: no provider registered for model tag")

// Gateway is the single entry point for model traffic.
type Gateway struct {
	mu       sync.RWMutex
	exact    map[string]ChatProvider
	prefixes []prefixRoute

	defaultTag string
	embedder   EmbeddingProvider
	meter      Meter
	logger     *slog.Logger

	requests metric.Int64Counter
	tokens   metric.Int64Counter
}

type prefixRoute struct {
	prefix   string
	provider ChatProvider
}

// GatewayConfig configures NewGateway.
type GatewayConfig struct {
	Embedder        EmbeddingProvider
	DefaultModelTag string
	Meter           Meter // optional
	Logger          *slog.Logger
}

// NewGateway creates a Gateway with an empty chat registry.
// Register providers before serving traffic.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("braid/llm")
	requests, _ := meter.Int64Counter("braid.llm.requests",
		metric.WithDescription("Chat completion calls by model tag and outcome"))
	tokens, _ := meter.Int64Counter("braid.llm.tokens",
		metric.WithDescription("Tokens consumed by model tag and direction"))

	return &Gateway{
		exact:      make(map[string]ChatProvider),
		defaultTag: cfg.DefaultModelTag,
		embedder:   cfg.Embedder,
		meter:      cfg.Meter,
		logger:     logger,
		requests:   requests,
		tokens:     tokens,
	}
}

// Register maps an exact model tag to a provider.
func (g *Gateway) Register(tag string, p ChatProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exact[tag] = p
}

// RegisterPrefix maps a model-tag prefix to a provider, so a whole family
// ("claude-", "gpt-") routes without enumerating every version suffix.
// Exact registrations win over prefixes; longer prefixes win over shorter.
func (g *Gateway) RegisterPrefix(prefix string, p ChatProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prefixes = append(g.prefixes, prefixRoute{prefix: prefix, provider: p})
}

// DefaultModelTag returns the tag used when a request leaves ModelTag empty.
func (g *Gateway) DefaultModelTag() string {
	return g.defaultTag
}

// resolve finds the provider for a model tag.
func (g *Gateway) resolve(tag string) (ChatProvider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if p, ok := g.exact[tag]; ok {
		return p, nil
	}
	var best *prefixRoute
	for i := range g.prefixes {
		r := &g.prefixes[i]
		if !strings.HasPrefix(tag, r.prefix) {
			continue
		}
		if best == nil || len(r.prefix) > len(best.prefix) {
			best = r
		}
	}
	if best != nil {
		return best.provider, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, tag)
}

// Chat resolves the provider for req.ModelTag and starts a streamed
// completion. The gateway re-emits the provider's chunks, guarantees exactly
// one terminal chunk even against a misbehaving provider, and fires the
// Meter hook with final token counts and wall time.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	if req.ModelTag == "" {
		req.ModelTag = g.defaultTag
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: chat request has no messages")
	}

	provider, err := g.resolve(req.ModelTag)
	if err != nil {
		return nil, err
	}

	inner, err := provider.Chat(ctx, req)
	if err != nil {
		g.countRequest(ctx, req.ModelTag, provider.Name(), true)
		return nil, err
	}

	out := make(chan Chunk)
	start := time.Now()
	go func() {
		defer close(out)
		terminal := false
		for c := range inner {
			if terminal {
				continue // drain anything a buggy provider sends after its terminal
			}
			if c.Terminal() {
				terminal = true
				g.observe(ctx, req.ModelTag, provider.Name(), c, time.Since(start))
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// The consumer walked away. The provider honors ctx and will
				// close inner on its own; abandoning it here cannot block.
				return
			}
		}
		if !terminal {
			c := Chunk{Err: fmt.Errorf("llm: %s: stream closed without terminal chunk", provider.Name())}
			g.observe(ctx, req.ModelTag, provider.Name(), c, time.Since(start))
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Embed generates a single embedding vector.
func (g *Gateway) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	return g.embedder.Embed(ctx, text)
}

// EmbedBatch generates embeddings for multiple texts.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	return g.embedder.EmbedBatch(ctx, texts)
}

// Dimensions returns the embedding vector dimensionality.
func (g *Gateway) Dimensions() int {
	return g.embedder.Dimensions()
}

// CountTokens estimates the token count of a request for pre-flight budget
// admission. Character-based (roughly chars/4 for English) with a per-family
// correction; not a tokenizer, expect 10-20% drift.
func (g *Gateway) CountTokens(req ChatRequest) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content) + len(m.Role)
	}
	ratio := charsPerToken(req.ModelTag)
	if ratio <= 0 {
		ratio = 4.0
	}
	n := int(float64(chars) / ratio)
	if n < 1 && chars > 0 {
		n = 1
	}
	return n
}

// charsPerToken returns the calibrated characters-per-token ratio for a
// model family. Claude and Llama tokenizers run slightly denser than GPT's.
func charsPerToken(modelTag string) float64 {
	switch {
	case strings.HasPrefix(modelTag, "claude"):
		return 3.8
	case strings.HasPrefix(modelTag, "gpt"), strings.HasPrefix(modelTag, "o"):
		return 4.0
	case strings.HasPrefix(modelTag, "llama"), strings.HasPrefix(modelTag, "mistral"):
		return 3.6
	default:
		return 4.0
	}
}

func (g *Gateway) observe(ctx context.Context, tag, provider string, terminal Chunk, wall time.Duration) {
	g.countRequest(ctx, tag, provider, terminal.Err != nil)

	if terminal.InputTokens > 0 {
		g.tokens.Add(ctx, int64(terminal.InputTokens), metric.WithAttributes(
			attribute.String("model_tag", tag),
			attribute.String("direction", "input"),
		))
	}
	if terminal.OutputTokens > 0 {
		g.tokens.Add(ctx, int64(terminal.OutputTokens), metric.WithAttributes(
			attribute.String("model_tag", tag),
			attribute.String("direction", "output"),
		))
	}

	if terminal.Err != nil {
		g.logger.Warn("llm: chat stream failed",
			"model_tag", tag, "provider", provider, "error", terminal.Err)
	}
	if g.meter != nil {
		g.meter(Usage{
			ModelTag:     tag,
			InputTokens:  int64(terminal.InputTokens),
			OutputTokens: int64(terminal.OutputTokens),
			Wall:         wall,
		})
	}
}

func (g *Gateway) countRequest(ctx context.Context, tag, provider string, failed bool) {
	g.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model_tag", tag),
		attribute.String("provider", provider),
		attribute.Bool("error", failed),
	))
}

// Collect reads an entire streamed chat into one string, returning the
// terminal token counts. Convenience for internal single-shot calls (title
// derivation, SQL generation, research planning) that don't stream to users.
func Collect(ctx context.Context, ch <-chan Chunk) (string, int, int, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), 0, 0, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return sb.String(), 0, 0, fmt.Errorf("llm: stream closed without terminal chunk")
			}
			if c.Err != nil {
				return sb.String(), c.InputTokens, c.OutputTokens, c.Err
			}
			sb.WriteString(c.Delta)
			if c.Done {
				return sb.String(), c.InputTokens, c.OutputTokens, nil
			}
		}
	}
}
