package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/ctxutil"
	"github.com/braidhq/braid/internal/ratelimit"
)

// Server is the Braid HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying handler set for access to DrainIngest.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, Bindings, Planner,
// Research, Sessions, Index, MCPServer, OpenAPISpec.
type ServerConfig struct {
	Deps   HandlersDeps
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// CORSAllowedOrigins enables cross-origin responses when non-empty.
	CORSAllowedOrigins []string

	// ExtraRoutes run against the mux after the built-in routes; they share
	// the middleware chain, auth included.
	ExtraRoutes []func(*http.ServeMux)
	// Middlewares wrap the root handler outermost; first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Deps)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Authenticated routes are limited per user; the limiter skips
	// requests with no key (unauthenticated paths never reach it).
	rl := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Conversations.
	mux.Handle("POST /v1/conversations", rl(http.HandlerFunc(h.HandleCreateConversation)))
	mux.Handle("GET /v1/conversations", rl(http.HandlerFunc(h.HandleListConversations)))
	mux.Handle("GET /v1/conversations/{conversation_id}", rl(http.HandlerFunc(h.HandleGetConversation)))
	mux.Handle("PATCH /v1/conversations/{conversation_id}", rl(http.HandlerFunc(h.HandleRenameConversation)))
	mux.Handle("DELETE /v1/conversations/{conversation_id}", rl(http.HandlerFunc(h.HandleDeleteConversation)))
	mux.Handle("GET /v1/conversations/{conversation_id}/messages", rl(http.HandlerFunc(h.HandleListMessages)))

	// Documents.
	mux.Handle("POST /v1/documents", rl(http.HandlerFunc(h.HandleUploadDocument)))
	mux.Handle("GET /v1/documents", rl(http.HandlerFunc(h.HandleListDocuments)))
	mux.Handle("GET /v1/documents/{document_id}", rl(http.HandlerFunc(h.HandleGetDocument)))
	mux.Handle("DELETE /v1/documents/{document_id}", rl(http.HandlerFunc(h.HandleDeleteDocument)))

	// Tabular bindings and queries.
	if h.bindings != nil {
		mux.Handle("POST /v1/tabular/bindings", rl(http.HandlerFunc(h.HandleCreateBinding)))
		mux.Handle("GET /v1/tabular/bindings", rl(http.HandlerFunc(h.HandleListBindings)))
		mux.Handle("GET /v1/tabular/bindings/{binding_id}", rl(http.HandlerFunc(h.HandleGetBinding)))
		mux.Handle("POST /v1/tabular/bindings/{binding_id}/test", rl(http.HandlerFunc(h.HandleTestBinding)))
		mux.Handle("DELETE /v1/tabular/bindings/{binding_id}", rl(http.HandlerFunc(h.HandleDeleteBinding)))
		mux.Handle("GET /v1/tabular/bindings/{binding_id}/history", rl(http.HandlerFunc(h.HandleBindingHistory)))
	}
	if h.planner != nil {
		mux.Handle("POST /v1/tabular/query", rl(http.HandlerFunc(h.HandleTabularQuery)))
		mux.Handle("POST /v1/tabular/explain", rl(http.HandlerFunc(h.HandleTabularExplain)))
		mux.Handle("POST /v1/tabular/validate", rl(http.HandlerFunc(h.HandleTabularValidate)))
	}

	// Research jobs.
	if h.research != nil {
		mux.Handle("POST /v1/research", rl(http.HandlerFunc(h.HandleCreateResearch)))
		mux.Handle("GET /v1/research", rl(http.HandlerFunc(h.HandleListResearch)))
		mux.Handle("GET /v1/research/{job_id}", rl(http.HandlerFunc(h.HandleGetResearch)))
		mux.Handle("POST /v1/research/{job_id}/cancel", rl(http.HandlerFunc(h.HandleCancelResearch)))
		mux.Handle("GET /v1/research/{job_id}/sources", rl(http.HandlerFunc(h.HandleResearchSources)))
	}

	// Settings and usage.
	mux.Handle("GET /v1/settings", rl(http.HandlerFunc(h.HandleGetSettings)))
	mux.Handle("PATCH /v1/settings", rl(http.HandlerFunc(h.HandleUpdateSettings)))
	mux.Handle("GET /v1/usage", rl(http.HandlerFunc(h.HandleGetUsage)))

	// Stream endpoint (self-authenticating, no rate limit — long-lived
	// connection with its own per-frame token buckets).
	if h.sessions != nil {
		mux.Handle("GET /v1/stream", h.sessions)
	}

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /health/ready", h.HandleReady)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the authenticated user ID for rate limiting.
// Returns empty (limiter skipped) when the request carries no claims.
func userKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
