package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for user-supplied content. These keep a single
// oversized field from exhausting the embedding pipeline, blowing the
// model context, or filling Postgres TEXT columns with caller-controlled
// garbage.
const (
	MaxMessageContentLen = 32 * 1024 // 32 KB
	MaxTitleLen          = 200
	MaxQuestionLen       = 4 * 1024
	MaxTopicLen          = 500
	MaxDisplayNameLen    = 255
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURL ensures a research source URL is a safe, publicly
// routable http/https URL. Rejects javascript: and file: schemes, embedded
// credentials, and private/loopback addresses (SSRF surface: the research
// coordinator fetches these).
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("source url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Stable error kinds exposed to clients, on both the HTTP surface and the
// stream. Messages stay short and action-oriented; no implementation
// detail leaks.
const (
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeBudgetExceeded      = "budget_exceeded"
	ErrCodeValidation          = "validation"
	ErrCodeNotFound            = "not_found"
	ErrCodeConflict            = "conflict"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeTabularUnsafe       = "tabular_unsafe"
	ErrCodeTabularExecution    = "tabular_execution"
	ErrCodeInternal            = "internal"
)

// CreateConversationRequest is the request body for POST /v1/conversations.
type CreateConversationRequest struct {
	Title *string `json:"title,omitempty"`
}

// ListConversationsRequest carries the caller's wall clock so recency
// buckets are computed deterministically.
type ListConversationsRequest struct {
	ClientTime *time.Time `json:"client_time,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// UploadDocumentResponse is the response for POST /v1/documents.
// Duplicate is set when the upload matched an existing ready document by
// content hash; DocumentID then refers to that document.
type UploadDocumentResponse struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	Duplicate  bool           `json:"duplicate,omitempty"`
}

// CreateBindingRequest is the request body for POST /v1/tabular/bindings.
// DSN is the only field carrying credentials; it is sealed before storage
// and never echoed back.
type CreateBindingRequest struct {
	DisplayName string    `json:"display_name"`
	EngineTag   EngineTag `json:"engine_tag"`
	DSN         string    `json:"dsn"`
}

// TabularQueryRequest is the request body for the tabular generate,
// execute, explain, and validate operations. Exactly one of Question or
// SQL is set depending on the operation.
type TabularQueryRequest struct {
	BindingID uuid.UUID `json:"binding_id"`
	Question  string    `json:"question,omitempty"`
	SQL       string    `json:"sql,omitempty"`
}

// TabularValidateResponse is the response for POST /v1/tabular/validate.
type TabularValidateResponse struct {
	SQL    string  `json:"sql"`
	Valid  bool    `json:"valid"`
	Reason *string `json:"reason,omitempty"`
}

// UpdateSettingsRequest is the partial-update body for PATCH /v1/settings.
type UpdateSettingsRequest struct {
	DefaultModelTag   *string           `json:"default_model_tag,omitempty"`
	PerAgentOverrides map[string]string `json:"per_agent_overrides,omitempty"`
	MonthlyBudget     *int64            `json:"monthly_budget,omitempty"`
	RAGOnly           *bool             `json:"rag_only,omitempty"`
	Discipline        *Discipline       `json:"discipline,omitempty"`
}

// UsageResponse is the response for GET /v1/usage.
type UsageResponse struct {
	Usage       UsageRecord `json:"usage"`
	Cap         int64       `json:"cap"`
	PercentUsed float64     `json:"percent_used"`
}

// CreateResearchRequest is the request body for POST /v1/research.
type CreateResearchRequest struct {
	Topic         string        `json:"topic"`
	Depth         ResearchDepth `json:"depth"`
	CitationStyle string        `json:"citation_style,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	VectorIndex    string `json:"vector_index,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	Uptime         int64  `json:"uptime_seconds"`
}
