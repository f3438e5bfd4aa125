package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Reranker scores candidate passages against a query. Scores are in [0,1]
// and aligned with the input passage order.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float32, error)
}

// HTTPReranker calls a Cohere-compatible /v1/rerank endpoint.
type HTTPReranker struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPReranker creates a reranker client. The base URL is the host
// portion only; the /v1/rerank path is appended per request.
func NewHTTPReranker(baseURL, apiKey, model string) *HTTPReranker {
	return &HTTPReranker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message"`
}

// Rerank scores each passage for relevance to the query. Passages the
// endpoint omits from its response keep a zero score.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("retrieval: create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: send rerank request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("retrieval: read rerank response: %w", err)
	}

	var result rerankResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("retrieval: rerank status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("retrieval: unmarshal rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if result.Message != "" {
			return nil, fmt.Errorf("retrieval: rerank status %d: %s", resp.StatusCode, result.Message)
		}
		return nil, fmt.Errorf("retrieval: rerank status %d", resp.StatusCode)
	}

	scores := make([]float32, len(passages))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(scores) {
			return nil, fmt.Errorf("retrieval: rerank returned invalid index %d", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}
