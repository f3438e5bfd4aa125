package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// defaultMaxTokens caps generations when a request doesn't set a limit.
const defaultMaxTokens = 4096

// AnthropicProvider streams chat completions from the Anthropic Messages API.
// Safe for concurrent use; every Chat call owns an independent stream.
type AnthropicProvider struct {
	client     anthropic.Client
	retryDelay time.Duration
}

// NewAnthropicProvider creates a provider from an API key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: anthropic: API key is required")
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		retryDelay: time.Second,
	}, nil
}

// Name identifies the provider in logs and metrics.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat starts a streamed completion. Transient upstream failures retry with
// exponential backoff, but only while nothing has been emitted yet: a stream
// that dies after its first delta surfaces the error instead of replaying
// text the consumer already saw.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)

		var lastErr error
		for attempt := 0; attempt < maxChatAttempts; attempt++ {
			if attempt > 0 && !sleepBackoff(ctx, p.retryDelay, attempt-1) {
				sendChunk(ctx, ch, Chunk{Err: ctx.Err()})
				return
			}

			emitted, err := p.streamOnce(ctx, req, messages, ch)
			if err == nil {
				return
			}
			if emitted || !isRetryableError(err) {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: anthropic: %w", err)})
				return
			}
			lastErr = err
		}
		sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: anthropic: retries exhausted: %w", lastErr)})
	}()
	return ch, nil
}

// streamOnce runs a single streaming attempt. It reports whether any delta
// reached the consumer, which disables further retries.
func (p *AnthropicProvider) streamOnce(
	ctx context.Context,
	req ChatRequest,
	messages []anthropic.MessageParam,
	ch chan<- Chunk,
) (emitted bool, err error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelTag),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	return pumpAnthropicStream(ctx, stream, ch)
}

func pumpAnthropicStream(
	ctx context.Context,
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion],
	ch chan<- Chunk,
) (emitted bool, err error) {
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type != "text_delta" || delta.Text == "" {
				continue
			}
			if !sendChunk(ctx, ch, Chunk{Delta: delta.Text}) {
				return emitted, ctx.Err()
			}
			emitted = true

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			sendChunk(ctx, ch, Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return emitted, nil
		}
	}

	if err := stream.Err(); err != nil {
		return emitted, err
	}
	return emitted, fmt.Errorf("stream ended without message_stop")
}

// anthropicMessages converts gateway messages to the Messages API shape.
// System turns are skipped; they travel in MessageNewParams.System.
func anthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem || m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("llm: anthropic: no user or assistant messages in request")
	}
	return out, nil
}
