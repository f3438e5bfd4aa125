package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/ctxutil"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/research"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/search"
	"github.com/braidhq/braid/internal/service/conversations"
	"github.com/braidhq/braid/internal/session"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *storage.DB
	convs     *conversations.Service
	pipeline  *retrieval.Pipeline
	bindings  *tabular.Service
	planner   *tabular.Planner
	research  *research.Coordinator
	governor  *budget.Governor
	sessions  *session.Handler
	index     search.Index
	logger    *slog.Logger
	version   string
	startedAt time.Time

	maxBodyBytes int64
	openAPISpec  []byte

	defaultModelTag string
	defaultBudget   int64

	// ingestSem bounds concurrent document processing; ingestWG lets
	// Shutdown wait for in-flight ingests.
	ingestSem chan struct{}
	ingestWG  sync.WaitGroup
}

// HandlersDeps carries constructor dependencies for Handlers.
// Optional (nil-safe): Bindings, Planner, Research, Index, OpenAPISpec.
type HandlersDeps struct {
	DB       *storage.DB
	Convs    *conversations.Service
	Pipeline *retrieval.Pipeline
	Bindings *tabular.Service
	Planner  *tabular.Planner
	Research *research.Coordinator
	Governor *budget.Governor
	Sessions *session.Handler
	Index    search.Index
	Logger   *slog.Logger

	Version         string
	MaxBodyBytes    int64
	OpenAPISpec     []byte
	IngestWorkers   int
	DefaultModelTag string
	DefaultBudget   int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	workers := deps.IngestWorkers
	if workers <= 0 {
		workers = 2
	}
	return &Handlers{
		db:              deps.DB,
		convs:           deps.Convs,
		pipeline:        deps.Pipeline,
		bindings:        deps.Bindings,
		planner:         deps.Planner,
		research:        deps.Research,
		governor:        deps.Governor,
		sessions:        deps.Sessions,
		index:           deps.Index,
		logger:          deps.Logger,
		version:         deps.Version,
		startedAt:       time.Now(),
		maxBodyBytes:    deps.MaxBodyBytes,
		openAPISpec:     deps.OpenAPISpec,
		defaultModelTag: deps.DefaultModelTag,
		defaultBudget:   deps.DefaultBudget,
		ingestSem:       make(chan struct{}, workers),
	}
}

// DrainIngest waits for in-flight document processing to finish.
func (h *Handlers) DrainIngest(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.ingestWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleHealth handles GET /health: liveness only, no dependency checks.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeRaw(w, model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReady handles GET /health/ready: readiness including the Postgres
// ping and vector index health. Postgres down means 503; index down only
// degrades the report because retrieval falls back to pgvector.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	} else {
		resp.Postgres = "ok"
	}

	if h.index != nil {
		if err := h.index.Healthy(ctx); err != nil {
			resp.VectorIndex = "unreachable"
		} else {
			resp.VectorIndex = "ok"
		}
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.ActiveSessions()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeRaw(w, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.Error(w, "spec not embedded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openAPISpec)
}

// userID pulls the authenticated user from the request context. The auth
// middleware guarantees it for every route that reaches a handler.
func (h *Handlers) userID(r *http.Request) uuid.UUID {
	return ctxutil.UserIDFromContext(r.Context())
}

// pathUUID parses a UUID path segment; the empty error result means the
// caller has already responded.
func pathUUID(w http.ResponseWriter, r *http.Request, segment string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(segment))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid "+segment)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an integer query parameter, clamped to [1, max].
func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// limitBody caps the request body. Oversized bodies fail the read with a
// wrapped MaxBytesError, surfaced as validation.
func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
}

// writeRaw writes v as bare JSON without the response envelope. Used only
// by /health, which monitoring probes parse directly.
func writeRaw(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
