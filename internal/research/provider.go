package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Result is a single web search hit. PublishedAt carries whatever freshness
// hint the provider reports ("2 days ago", "2024-03-01") and may be empty.
type Result struct {
	Title       string
	URL         string
	Snippet     string
	PublishedAt string
}

// SearchProvider runs one web search. Implementations must honor ctx
// cancellation and return at most limit results.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}

// BraveProvider queries the Brave web search API.
type BraveProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBraveProvider creates a Brave search client. An empty base URL selects
// the public endpoint.
func NewBraveProvider(baseURL, apiKey string) *BraveProvider {
	if baseURL == "" {
		baseURL = "https://api.search.brave.com"
	}
	return &BraveProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *BraveProvider) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// Search issues a GET against /res/v1/web/search.
func (p *BraveProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/res/v1/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("research: create brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("research: send brave request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("research: read brave response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("research: brave status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("research: unmarshal brave response: %w", err)
	}

	results := make([]Result, 0, len(decoded.Web.Results))
	for _, r := range decoded.Web.Results {
		if len(results) == limit {
			break
		}
		published := r.Age
		if published == "" {
			published = r.PageAge
		}
		results = append(results, Result{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Description,
			PublishedAt: published,
		})
	}
	return results, nil
}

// SerperProvider queries the Serper Google-search proxy API.
type SerperProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSerperProvider creates a Serper client. An empty base URL selects the
// public endpoint.
func NewSerperProvider(baseURL, apiKey string) *SerperProvider {
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	return &SerperProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *SerperProvider) Name() string { return "serper" }

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}

// Search issues a POST against /search.
func (p *SerperProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	reqBody, err := json.Marshal(serperRequest{Query: query, Num: limit})
	if err != nil {
		return nil, fmt.Errorf("research: marshal serper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("research: create serper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("research: send serper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("research: read serper response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("research: serper status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var decoded serperResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("research: unmarshal serper response: %w", err)
	}

	results := make([]Result, 0, len(decoded.Organic))
	for _, r := range decoded.Organic {
		if len(results) == limit {
			break
		}
		results = append(results, Result{
			Title:       r.Title,
			URL:         r.Link,
			Snippet:     r.Snippet,
			PublishedAt: r.Date,
		})
	}
	return results, nil
}

// NoopProvider fabricates deterministic results so development setups and
// tests work without API keys. Every URL points at example.org.
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

func (p *NoopProvider) Name() string { return "noop" }

func (p *NoopProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 3 {
		limit = 3
	}
	slug := noopSlug(query)
	results := make([]Result, 0, limit)
	for i := 1; i <= limit; i++ {
		results = append(results, Result{
			Title:   fmt.Sprintf("%s, part %d", query, i),
			URL:     fmt.Sprintf("https://example.org/%s/%d", slug, i),
			Snippet: fmt.Sprintf("Placeholder summary %d for %q.", i, query),
		})
	}
	return results, nil
}

func noopSlug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
