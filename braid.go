// Package braid is the public API for embedding the Braid conversational
// server.
//
//	app, err := braid.New(
//	    braid.WithVersion(version),
//	    braid.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: braid (root) imports
// internal/*, but internal/* never imports braid (root).
package braid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/braidhq/braid/api"
	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/mcp"
	"github.com/braidhq/braid/internal/memory"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/orchestrator"
	"github.com/braidhq/braid/internal/ratelimit"
	"github.com/braidhq/braid/internal/research"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/search"
	"github.com/braidhq/braid/internal/server"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/session"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
	"github.com/braidhq/braid/internal/telemetry"
	"github.com/braidhq/braid/migrations"
)

// Startup failure classes. cmd/braid maps these onto distinct process
// exit codes; embedders can branch on them with errors.Is.
var (
	ErrConfig  = errors.New("braid: invalid configuration")
	ErrStorage = errors.New("braid: store unreachable")
	ErrBind    = errors.New("braid: listener failed")
)

// App is the Braid server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	sessions     *session.Handler
	orch         *orchestrator.Orchestrator
	memories     *memory.Service
	coordinator  *research.Coordinator // nil when no search provider is configured
	outbox       *search.OutboxWorker  // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex   // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Braid server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Join(ErrConfig, fmt.Errorf("load config: %w", err))
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("braid starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, errors.Join(ErrStorage, fmt.Errorf("storage: %w", err))
	}
	db.RegisterPoolMetrics()

	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(errors.Join(ErrStorage, fmt.Errorf("migrations: %w", err)))
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extra); err != nil {
			return fail(errors.Join(ErrStorage, fmt.Errorf("extra migrations: %w", err)))
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(errors.Join(ErrConfig, fmt.Errorf("auth: %w", err)))
	}

	var embedder llm.EmbeddingProvider
	if o.embeddingProvider != nil {
		embedder = &embedderAdapter{p: o.embeddingProvider}
		logger.Info("embedding: custom provider", "dimensions", o.embeddingProvider.Dimensions())
	} else {
		embedder, err = newEmbedder(cfg, logger)
		if err != nil {
			return fail(errors.Join(ErrConfig, fmt.Errorf("embedding: %w", err)))
		}
	}

	gateway, err := newGateway(cfg, embedder, o.chatProvider, logger)
	if err != nil {
		return fail(fmt.Errorf("llm gateway: %w", err))
	}

	// Qdrant index and outbox worker. Absent, dense search runs on
	// pgvector in Postgres.
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		index = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled, dense search uses pgvector")
	}

	// Reranker. Absent, fusion scores are used as-is.
	var reranker retrieval.Reranker
	if o.reranker != nil {
		reranker = rerankerAdapter{r: o.reranker}
		logger.Info("reranker: custom")
	} else if cfg.RerankerURL != "" {
		reranker = retrieval.NewHTTPReranker(cfg.RerankerURL, cfg.RerankerAPIKey, cfg.RerankerModel)
		logger.Info("reranker: enabled", "model", cfg.RerankerModel)
	} else {
		logger.Info("reranker: disabled")
	}

	// Event hooks fire async from hot paths; fireHook bounds and logs them
	// so a slow or failing hook cannot stall a turn or an ingest.
	var turnHooks []orchestrator.TurnHook
	var ingestHooks []retrieval.IngestHook
	var researchOpts []research.Option
	for _, hook := range o.eventHooks {
		turnHooks = append(turnHooks, func(ctx context.Context, done orchestrator.TurnDone) {
			e := TurnEvent{
				UserID:         done.UserID,
				ConversationID: done.ConversationID,
				TurnID:         done.TurnID,
				Branch:         done.Branch,
				ModelTag:       done.ModelTag,
				InputTokens:    done.InputTokens,
				OutputTokens:   done.OutputTokens,
				LatencyMS:      done.LatencyMS,
			}
			fireHook(logger, "turn_completed", func(hctx context.Context) error {
				return hook.OnTurnCompleted(hctx, e)
			})
		})
		ingestHooks = append(ingestHooks, func(ctx context.Context, userID, documentID uuid.UUID, chunkCount int) {
			e := DocumentEvent{UserID: userID, DocumentID: documentID, ChunkCount: chunkCount}
			fireHook(logger, "document_ingested", func(hctx context.Context) error {
				return hook.OnDocumentIngested(hctx, e)
			})
		})
		researchOpts = append(researchOpts, research.WithCompletionHook(
			func(ctx context.Context, job model.ResearchJob, words int, docID *uuid.UUID) {
				e := ResearchEvent{UserID: job.UserID, JobID: job.ID, Topic: job.Topic, WordCount: words, DocumentID: docID}
				fireHook(logger, "research_completed", func(hctx context.Context) error {
					return hook.OnResearchCompleted(hctx, e)
				})
			}))
	}

	pipeline := retrieval.New(db, embedder, index, reranker, retrieval.Config{
		DenseCandidates:   cfg.RetrievalDenseCandidates,
		LexicalCandidates: cfg.RetrievalLexicalCandidates,
		RerankCandidates:  cfg.RetrievalRerankCandidates,
		TopK:              cfg.RetrievalTopK,
		MaxDocumentBytes:  cfg.DocumentMaxBytes,
		IngestHooks:       ingestHooks,
	}, logger)

	// Tabular bindings require the sealing key; without it the feature is
	// disabled rather than storing credentials weakly.
	var bindings *tabular.Service
	var planner *tabular.Planner
	if cfg.MasterKey != "" {
		sealer, err := tabular.NewSealer(cfg.MasterKeyBytes())
		if err != nil {
			return fail(errors.Join(ErrConfig, fmt.Errorf("tabular sealer: %w", err)))
		}
		bindings = tabular.NewService(db, sealer, logger)
		planner = tabular.NewPlanner(db, sealer, gateway, logger,
			tabular.WithExecLimits(cfg.TabularMaxRows, cfg.TabularStatementTimeout))
		logger.Info("tabular: enabled")
	} else {
		logger.Info("tabular: disabled (no BRAID_MASTER_KEY)")
	}

	// Research coordinator needs at least one web search provider.
	var coordinator *research.Coordinator
	var providers []research.SearchProvider
	if cfg.BraveAPIKey != "" {
		providers = append(providers, research.NewBraveProvider("", cfg.BraveAPIKey))
	}
	if cfg.SerperAPIKey != "" {
		providers = append(providers, research.NewSerperProvider("", cfg.SerperAPIKey))
	}
	for _, p := range o.searchProviders {
		providers = append(providers, searchProviderAdapter{p: p})
	}
	if len(providers) > 0 {
		researchOpts = append(researchOpts, research.WithMaxSources(cfg.ResearchMaxSources))
		coordinator = research.New(db, gateway, pipeline, providers, research.NewHub(), logger, researchOpts...)
		logger.Info("research: enabled", "providers", len(providers))
	} else {
		logger.Info("research: disabled (no search provider key)")
	}

	memories := memory.New(db, gateway, embedder, logger)
	governor := budget.New(db, cfg.DefaultModelTag, cfg.DefaultMonthlyBudget, logger)

	var sqlPlanner orchestrator.SQLPlanner
	if planner != nil {
		sqlPlanner = planner
	}
	orch := orchestrator.New(db, gateway, pipeline, sqlPlanner, coordinator, memories, governor, orchestrator.Config{
		DefaultModelTag: cfg.DefaultModelTag,
		DefaultBudget:   cfg.DefaultMonthlyBudget,
		TurnHooks:       turnHooks,
	}, logger)

	sessions := session.NewHandler(orch, jwtMgr, session.Config{
		FramesPerSecond: cfg.SessionFramesPerSec,
		TurnsPerMinute:  float64(cfg.TurnsPerMinute),
		QueueSize:       cfg.SessionQueueSize,
		MaxFrameBytes:   cfg.SessionMaxFrameSize,
	}, logger)

	convs := conversations.New(db, logger)
	mcpSrv := mcp.New(db, pipeline, convs, cfg.DefaultModelTag, cfg.DefaultMonthlyBudget, logger)

	var extraRoutes []func(*http.ServeMux)
	for _, register := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, register)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:              db,
			Convs:           convs,
			Pipeline:        pipeline,
			Bindings:        bindings,
			Planner:         planner,
			Research:        coordinator,
			Governor:        governor,
			Sessions:        sessions,
			Index:           index,
			Logger:          logger,
			Version:         version,
			MaxBodyBytes:    cfg.MaxRequestBodyBytes,
			OpenAPISpec:     api.OpenAPISpec,
			IngestWorkers:   cfg.IngestWorkers,
			DefaultModelTag: cfg.DefaultModelTag,
			DefaultBudget:   cfg.DefaultMonthlyBudget,
		},
		JWTMgr:             jwtMgr,
		Logger:             logger,
		Limiter:            limiter,
		MCPServer:          mcpSrv.MCPServer(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ExtraRoutes:        extraRoutes,
		Middlewares:        middlewares,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		sessions:     sessions,
		orch:         orch,
		memories:     memories,
		coordinator:  coordinator,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// newEmbedder selects the embedding provider. "auto" prefers OpenAI when a
// key is present, then a reachable Ollama, then the deterministic noop
// embedder (dev only; retrieval quality is nonsense but the pipeline runs).
func newEmbedder(cfg config.Config, logger *slog.Logger) (llm.EmbeddingProvider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return llm.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.EmbeddingDimensions), nil
	case "noop":
		logger.Warn("embedding: noop provider configured — retrieval results will not be meaningful")
		return llm.NewNoopEmbedder(cfg.EmbeddingDimensions), nil
	case "auto", "":
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding: openai", "model", cfg.EmbeddingModel)
			return llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		if llm.OllamaReachable(cfg.OllamaURL) {
			logger.Info("embedding: ollama", "model", cfg.OllamaEmbedModel)
			return llm.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.EmbeddingDimensions), nil
		}
		logger.Warn("embedding: no provider available, falling back to noop (dev only)")
		return llm.NewNoopEmbedder(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// newGateway builds the model gateway and registers every chat provider
// the configuration names. Model-tag prefixes route whole families so new
// model versions need no code change. A custom provider, when set, is the
// catch-all for tags no built-in provider claims.
func newGateway(cfg config.Config, embedder llm.EmbeddingProvider, custom ChatProvider, logger *slog.Logger) (*llm.Gateway, error) {
	gateway := llm.NewGateway(llm.GatewayConfig{
		Embedder:        embedder,
		DefaultModelTag: cfg.DefaultModelTag,
		Logger:          logger,
	})

	registered := 0
	if cfg.AnthropicAPIKey != "" {
		p, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		gateway.RegisterPrefix("claude-", p)
		registered++
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		gateway.RegisterPrefix("gpt-", p)
		gateway.RegisterPrefix("o", p)
		registered++
	}
	if llm.OllamaReachable(cfg.OllamaURL) {
		p := llm.NewOllamaProvider(cfg.OllamaURL)
		gateway.Register(cfg.OllamaChatModel, p)
		gateway.RegisterPrefix("ollama/", p)
		registered++
	}
	if custom != nil {
		gateway.RegisterPrefix("", &chatProviderAdapter{p: custom})
		registered++
		logger.Info("llm: custom provider registered as catch-all", "name", custom.Name())
	}
	if registered == 0 {
		logger.Warn("llm: no chat provider configured, using canned responses (dev only)")
		gateway.RegisterPrefix("", llm.NoopChatProvider{})
	}
	logger.Info("llm gateway ready", "providers", registered, "default_model", cfg.DefaultModelTag)
	return gateway, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)
	go a.sourceCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Join(ErrBind, err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in phases: stop accepting HTTP, close stream sessions,
// wait for in-flight turns and detached work (memory extraction, document
// ingestion, research jobs), then drain the index outbox. Each phase gets
// its own timeout so one stuck subsystem cannot block the rest forever.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("braid shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	sessCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.sessions.Shutdown(sessCtx); err != nil {
		a.logger.Error("session shutdown error", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownIngestTimeout)
	if err := a.orch.Drain(drainCtx); err != nil {
		a.logger.Warn("orchestrator drain incomplete", "error", err)
	}
	if err := a.memories.Drain(drainCtx); err != nil {
		a.logger.Warn("memory drain incomplete", "error", err)
	}
	if a.coordinator != nil {
		if err := a.coordinator.Drain(drainCtx); err != nil {
			a.logger.Warn("research drain incomplete", "error", err)
		}
	}
	if err := a.srv.Handlers().DrainIngest(drainCtx); err != nil {
		a.logger.Warn("ingest drain incomplete", "error", err)
	}
	cancel()

	if a.outbox != nil {
		outboxCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		cancel()
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("braid stopped")
	return nil
}

// idempotencyCleanupLoop periodically removes expired idempotency records
// so retried uploads eventually re-run instead of replaying stale state.
func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Info("idempotency cleanup", "deleted", n)
			}
		}
	}
}

// sourceCleanupLoop sweeps research source refs whose conversations were
// deleted. Deletion only unlinks synchronously; the sweep keeps the table
// from accumulating orphans.
func (a *App) sourceCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SourceCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			n, err := a.db.CleanupOrphanSourceRefs(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("source cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Info("source cleanup", "deleted", n)
			}
		}
	}
}

// fireHook runs one event hook callback in its own goroutine with a
// bounded context. Hook failures are logged, never propagated: the events
// are notifications, not extension points for the operation itself.
func fireHook(logger *slog.Logger, event string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("event hook failed", "event", event, "error", err)
		}
	}()
}

// Adapters between the public extension interfaces and the internal ones
// live here because this file is the only one allowed to import both
// sides. The public surface deliberately avoids internal types (pgvector
// vectors, internal structs) so embedders never import internal packages.

type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	raw, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	vecs := make([]pgvector.Vector, len(raw))
	for i, v := range raw {
		vecs[i] = pgvector.NewVector(v)
	}
	return vecs, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }

type chatProviderAdapter struct {
	p ChatProvider
}

func (a *chatProviderAdapter) Name() string { return a.p.Name() }

func (a *chatProviderAdapter) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	pub := ChatRequest{
		ModelTag:  req.ModelTag,
		System:    req.System,
		Messages:  make([]ChatMessage, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for i, m := range req.Messages {
		pub.Messages[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	src, err := a.p.Chat(ctx, pub)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for c := range src {
			select {
			case out <- llm.Chunk{
				Delta:        c.Delta,
				Done:         c.Done,
				Err:          c.Err,
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type rerankerAdapter struct {
	r Reranker
}

func (a rerankerAdapter) Rerank(ctx context.Context, query string, passages []string) ([]float32, error) {
	return a.r.Rerank(ctx, query, passages)
}

type searchProviderAdapter struct {
	p SearchProvider
}

func (a searchProviderAdapter) Name() string { return a.p.Name() }

func (a searchProviderAdapter) Search(ctx context.Context, query string, limit int) ([]research.Result, error) {
	hits, err := a.p.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]research.Result, len(hits))
	for i, h := range hits {
		results[i] = research.Result{
			Title:       h.Title,
			URL:         h.URL,
			Snippet:     h.Snippet,
			PublishedAt: h.PublishedAt,
		}
	}
	return results, nil
}
