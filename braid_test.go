package braid

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/research"
)

type stubChatProvider struct {
	got    ChatRequest
	chunks []ChatChunk
}

func (s *stubChatProvider) Name() string { return "stub" }

func (s *stubChatProvider) Chat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	s.got = req
	out := make(chan ChatChunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func TestChatProviderAdapterConvertsBothWays(t *testing.T) {
	stub := &stubChatProvider{chunks: []ChatChunk{
		{Delta: "hel"},
		{Delta: "lo"},
		{Done: true, InputTokens: 12, OutputTokens: 3},
	}}
	adapter := &chatProviderAdapter{p: stub}

	ch, err := adapter.Chat(context.Background(), llm.ChatRequest{
		ModelTag: "custom-1",
		System:   "be brief",
		Messages: []llm.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "yes?"},
		},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Delta)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, 12, chunks[2].InputTokens)
	assert.Equal(t, 3, chunks[2].OutputTokens)

	assert.Equal(t, "custom-1", stub.got.ModelTag)
	assert.Equal(t, "be brief", stub.got.System)
	require.Len(t, stub.got.Messages, 2)
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "yes?"}, stub.got.Messages[1])
	assert.Equal(t, 64, stub.got.MaxTokens)
	assert.Equal(t, "stub", adapter.Name())
}

type stubEmbedder struct {
	dims int
	err  error
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return make([]float32, s.dims), nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dims)
	}
	return out, nil
}

func (s stubEmbedder) Dimensions() int { return s.dims }

func TestEmbedderAdapter(t *testing.T) {
	adapter := &embedderAdapter{p: stubEmbedder{dims: 4}}

	vec, err := adapter.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 4)

	vecs, err := adapter.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[1].Slice(), 4)

	assert.Equal(t, 4, adapter.Dimensions())

	boom := errors.New("boom")
	_, err = (&embedderAdapter{p: stubEmbedder{err: boom}}).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}

type stubSearchProvider struct{}

func (stubSearchProvider) Name() string { return "stub-search" }

func (stubSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	return []SearchHit{
		{Title: "t", URL: "https://example.com", Snippet: "s", PublishedAt: "2026-01-02T00:00:00Z"},
	}, nil
}

func TestSearchProviderAdapter(t *testing.T) {
	adapter := searchProviderAdapter{p: stubSearchProvider{}}

	results, err := adapter.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, research.Result{
		Title:       "t",
		URL:         "https://example.com",
		Snippet:     "s",
		PublishedAt: "2026-01-02T00:00:00Z",
	}, results[0])
	assert.Equal(t, "stub-search", adapter.Name())
}

func TestFireHookRunsAsyncAndSwallowsErrors(t *testing.T) {
	done := make(chan struct{})
	fireHook(slog.New(slog.NewTextHandler(io.Discard, nil)), "test_event", func(ctx context.Context) error {
		defer close(done)
		require.NotNil(t, ctx)
		return errors.New("hook failed")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook never ran")
	}
}

func TestStartupErrorSentinelsAreDistinct(t *testing.T) {
	wrapped := errors.Join(ErrStorage, errors.New("dial tcp: refused"))
	assert.ErrorIs(t, wrapped, ErrStorage)
	assert.NotErrorIs(t, wrapped, ErrConfig)
	assert.NotErrorIs(t, wrapped, ErrBind)
}
