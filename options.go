package braid

import (
	"io/fs"
	"log/slog"
)

// Option configures New.
type Option func(*resolvedOptions)

// resolvedOptions is the internal result of applying all Options.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string

	chatProvider      ChatProvider
	embeddingProvider EmbeddingProvider
	reranker          Reranker
	searchProviders   []SearchProvider
	eventHooks        []EventHook
	routeRegistrars   []RouteRegistrar
	middlewares       []Middleware
	extraMigrations   []fs.FS
}

// WithPort overrides the HTTP listen port (default from BRAID_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string (default from
// DATABASE_URL).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the logger for all subsystems (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health (default "dev").
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithChatProvider registers a catch-all chat provider for model tags the
// built-in providers do not claim. Only the last call wins.
func WithChatProvider(p ChatProvider) Option {
	return func(o *resolvedOptions) { o.chatProvider = p }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (OpenAI/Ollama/noop). Only the last call wins.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithReranker replaces the HTTP reranker built from BRAID_RERANKER_URL.
// Only the last call wins.
func WithReranker(r Reranker) Option {
	return func(o *resolvedOptions) { o.reranker = r }
}

// WithSearchProvider adds a web search provider for research jobs. May be
// called multiple times; providers search in parallel with any configured
// Brave or Serper provider.
func WithSearchProvider(p SearchProvider) Option {
	return func(o *resolvedOptions) { o.searchProviders = append(o.searchProviders, p) }
}

// WithEventHook registers a lifecycle hook. May be called multiple times;
// all hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux. May
// be called multiple times; registrars run in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware. May be called
// multiple times; first registered is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// embedded migrations, in registration order. Files must follow the same
// NNN_name.sql naming as the embedded set.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
