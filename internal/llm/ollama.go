package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// OllamaProvider streams chat completions from a local Ollama server.
// Recommended for on-premises deployments: prompts and completions never
// leave the host and local models carry no per-token cost.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates a chat provider for an Ollama server.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		// No client timeout: generation time is open-ended, the request
		// context carries the deadline.
		httpClient: &http.Client{},
	}
}

// Name identifies the provider in logs and metrics.
func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Chat starts a streamed completion against /api/chat. Ollama streams
// newline-delimited JSON objects; the final object carries token counts.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	msgs := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ollamaChatMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(ollamaChatRequest{Model: req.ModelTag, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("llm: ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: ollama: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("llm: ollama: status %d: %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg ollamaChatResponse
			if err := json.Unmarshal(line, &msg); err != nil {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: ollama: decode stream: %w", err)})
				return
			}
			if msg.Error != "" {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: ollama: %s", msg.Error)})
				return
			}
			if msg.Done {
				sendChunk(ctx, ch, Chunk{Done: true, InputTokens: msg.PromptEvalCount, OutputTokens: msg.EvalCount})
				return
			}
			if msg.Message.Content != "" {
				if !sendChunk(ctx, ch, Chunk{Delta: msg.Message.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: ollama: read stream: %w", err)})
			return
		}
		sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("llm: ollama: stream ended without done marker")})
	}()
	return ch, nil
}

// OllamaReachable checks whether an Ollama server is answering, for
// auto-detecting the embedding provider at startup.
func OllamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// OllamaEmbedder generates embeddings using a local Ollama server.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaEmbedder creates an embedder that calls Ollama's embedding API.
// Model should be an embedding model like "mxbai-embed-large"; dimensions
// must match the model's native output size (1024 for mxbai-embed-large).
func NewOllamaEmbedder(baseURL, model string, dimensions int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions: dimensions,
	}
}

// Dimensions returns the model's native vector size.
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector from text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("llm: ollama embed: empty embedding returned")
	}
	return pgvector.NewVector(result.Embedding), nil
}

// ollamaMaxConcurrency caps parallel embedding requests so batch ingestion
// doesn't swamp a single local GPU.
const ollamaMaxConcurrency = 4

// EmbedBatch generates embeddings for multiple texts. Ollama has no native
// batch API, so requests run concurrently under a bounded worker pool.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := e.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return []pgvector.Vector{vec}, nil
	}

	vecs := make([]pgvector.Vector, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := e.Embed(ctx, t)
			if err != nil {
				errs[idx] = fmt.Errorf("llm: ollama embed: batch item %d: %w", idx, err)
				return
			}
			vecs[idx] = vec
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}
