// Package research runs multi-source research jobs: it plans subtopics,
// fans searches out across web providers, scores and dedupes sources,
// drafts cited sections, and files the finished report as a queryable
// document. Jobs run in the background under a depth-dependent time
// budget; progress streams through an in-process hub.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

// ErrNoProviders is returned by Start when no search provider is
// configured; research is effectively disabled.
var ErrNoProviders = errors.New("research: no search providers configured")

// Generator is the slice of the model gateway the coordinator needs.
type Generator interface {
	Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

// Ingestor files the finished report into the retrieval pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, userID uuid.UUID, input retrieval.IngestInput) (retrieval.IngestResult, error)
}

// Coordinator owns the research-job lifecycle.
type Coordinator struct {
	db        *storage.DB
	gen       Generator
	ingestor  Ingestor
	providers []SearchProvider
	hub       *Hub
	logger    *slog.Logger

	// maxSources, when positive, caps the per-subtopic source budget below
	// what the depth would otherwise allow.
	maxSources int

	completionHooks []CompletionHook

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

// Option adjusts coordinator behavior beyond the defaults.
type Option func(*Coordinator)

// WithMaxSources caps how many sources a single subtopic may cite,
// regardless of job depth. Zero keeps the depth defaults.
func WithMaxSources(n int) Option {
	return func(c *Coordinator) { c.maxSources = n }
}

// CompletionHook is notified after a job reaches complete. docID is the
// ingested report document, nil when report filing failed.
type CompletionHook func(ctx context.Context, job model.ResearchJob, words int, docID *uuid.UUID)

// WithCompletionHook registers a hook for completed jobs. Hooks must not
// block; they run on the job goroutine.
func WithCompletionHook(hook CompletionHook) Option {
	return func(c *Coordinator) { c.completionHooks = append(c.completionHooks, hook) }
}

func New(db *storage.DB, gen Generator, ingestor Ingestor, providers []SearchProvider, hub *Hub, logger *slog.Logger, opts ...Option) *Coordinator {
	if hub == nil {
		hub = NewHub()
	}
	meter := telemetry.Meter("braid/research")
	jobs, _ := meter.Int64Counter("braid.research.jobs",
		metric.WithDescription("Research jobs by outcome"))
	duration, _ := meter.Float64Histogram("braid.research.job.duration",
		metric.WithDescription("Research job wall time in milliseconds"),
		metric.WithUnit("ms"))

	c := &Coordinator{
		db:        db,
		gen:       gen,
		ingestor:  ingestor,
		providers: providers,
		hub:       hub,
		logger:    logger,
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		jobs:      jobs,
		duration:  duration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hub exposes the progress hub so sessions can subscribe to jobs they did
// not start.
func (c *Coordinator) Hub() *Hub { return c.hub }

// Enabled reports whether at least one search provider is configured.
func (c *Coordinator) Enabled() bool { return len(c.providers) > 0 }

// StartInput describes a research request.
type StartInput struct {
	Topic         string
	Depth         model.ResearchDepth
	CitationStyle string
	ModelTag      string // empty selects the gateway default
}

// Start validates the request, persists the pending job, and launches the
// run loop in the background. The run detaches from the caller's context
// and lives under the depth budget instead.
func (c *Coordinator) Start(ctx context.Context, userID uuid.UUID, input StartInput) (model.ResearchJob, error) {
	topic := strings.TrimSpace(input.Topic)
	if topic == "" {
		return model.ResearchJob{}, fmt.Errorf("research: topic is required")
	}
	if len(c.providers) == 0 {
		return model.ResearchJob{}, ErrNoProviders
	}
	depth := input.Depth
	if depth == "" {
		depth = model.DepthStandard
	}
	switch depth {
	case model.DepthQuick, model.DepthStandard, model.DepthDeep:
	default:
		return model.ResearchJob{}, fmt.Errorf("research: unknown depth %q", input.Depth)
	}

	job, err := c.db.CreateResearchJob(ctx, model.ResearchJob{
		UserID:        userID,
		Topic:         topic,
		Depth:         depth,
		CitationStyle: input.CitationStyle,
	})
	if err != nil {
		return model.ResearchJob{}, fmt.Errorf("research: create job: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), depthBudget(depth))
	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, job.ID)
			c.mu.Unlock()
			cancel()
		}()
		c.run(runCtx, job, input.ModelTag)
	}()

	c.logger.Info("research: job started",
		"job_id", job.ID, "depth", depth, "providers", len(c.providers))
	return job, nil
}

// Cancel requests cooperative cancellation and reports whether an in-flight
// job was found. The job settles to failed at its next checkpoint, keeping
// any sections already drafted.
func (c *Coordinator) Cancel(jobID uuid.UUID) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Coordinator) Get(ctx context.Context, userID, id uuid.UUID) (model.ResearchJob, error) {
	return c.db.GetResearchJob(ctx, userID, id)
}

func (c *Coordinator) List(ctx context.Context, userID uuid.UUID, limit int) ([]model.ResearchJob, error) {
	return c.db.ListResearchJobs(ctx, userID, limit)
}

// Sources lists the references a job collected, most credible first.
func (c *Coordinator) Sources(ctx context.Context, userID, jobID uuid.UUID) ([]model.SourceRef, error) {
	return c.db.ListSourceRefs(ctx, userID, jobID)
}

// Drain waits for in-flight jobs to settle, up to the context deadline.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("research: drain: %w", ctx.Err())
	}
}

// depthBudget is the total wall-clock allowance for a job.
func depthBudget(depth model.ResearchDepth) time.Duration {
	switch depth {
	case model.DepthQuick:
		return 2 * time.Minute
	case model.DepthDeep:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// depthParams sizes the outline and the per-subtopic source budget.
func depthParams(depth model.ResearchDepth) (subtopics, perSubtopic int) {
	switch depth {
	case model.DepthQuick:
		return 2, 3
	case model.DepthDeep:
		return 6, 8
	default:
		return 4, 5
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, job model.ResearchJob, outcome string, start time.Time) {
	base := context.WithoutCancel(ctx)
	c.duration.Record(base, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("depth", string(job.Depth))))
	c.jobs.Add(base, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
