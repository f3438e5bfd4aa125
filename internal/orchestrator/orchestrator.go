// Package orchestrator composes one user turn end to end.
//
// Per turn it admits the spend against the budget governor, loads the
// conversation window, builds temporal and memory context, decides which
// branch answers (tabular, retrieval, research, or direct), assembles the
// system prompt in a fixed section order, streams the completion onto the
// session sink, persists both sides of the exchange, and records usage.
// Post-turn work (memory extraction, title derivation) runs detached so
// the next turn never waits on it.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/memory"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/research"
	"github.com/braidhq/braid/internal/retrieval"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
	"github.com/braidhq/braid/internal/telemetry"
)

const (
	// historyWindow is how many prior messages feed the prompt.
	historyWindow = 20
	// inventoryLimit caps the document inventory section.
	inventoryLimit = 20

	// Branch deadlines. The completion deadline also serves the direct
	// branch, which has no tool call before it.
	retrievalTimeout  = 10 * time.Second
	tabularTimeout    = 15 * time.Second
	completionTimeout = 60 * time.Second

	// titleTimeout bounds the detached title derivation.
	titleTimeout = 10 * time.Second
	// cancelGrace is how long a cancelled research turn waits for the job
	// to reach a subtopic boundary before giving up on its events.
	cancelGrace = 15 * time.Second

	// Admission estimates a turn before any tokens exist. Deliberately
	// round numbers; the recorded cost replaces them after the fact.
	estimateInputTokens  = 2000
	estimateOutputTokens = 800

	completionMaxTokens = 4096
)

// Stable error codes surfaced on error frames.
const (
	codeValidation          = "validation"
	codeNotFound            = "not_found"
	codeBudgetExceeded      = "budget_exceeded"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeTabularUnsafe       = "tabular_unsafe"
	codeTabularExecution    = "tabular_execution"
	codeInternal            = "internal"
)

// defaultAgentTag names the built-in persona.
const defaultAgentTag = "braid"

// Generator is the slice of the model gateway a turn needs.
type Generator interface {
	Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

// Retriever runs hybrid retrieval for the retrieval branch.
type Retriever interface {
	Query(ctx context.Context, userID uuid.UUID, queryText string, opts retrieval.QueryOptions) ([]retrieval.ScoredChunk, error)
}

// SQLPlanner answers tabular questions against a bound database.
type SQLPlanner interface {
	Run(ctx context.Context, userID uuid.UUID, input tabular.PlanInput) (model.TabularResult, error)
}

// Sink receives the turn's outbound frames in program order. The session
// layer implements it over the per-connection write queue; calls may block
// when the client is slow, which is the backpressure the protocol wants.
type Sink interface {
	TurnStarted(turnID uuid.UUID, agentTag string)
	TextDelta(turnID uuid.UUID, text string)
	Citations(turnID uuid.UUID, citations []model.Citation)
	Progress(turnID uuid.UUID, percent int, note string)
	ToolResult(turnID uuid.UUID, kind string, payload any)
	BudgetWarning(percentUsed int, budgetCap int64)
	Error(turnID uuid.UUID, code, message string)
	TurnEnded(turnID uuid.UUID, stats TurnStats)
}

// TurnStats is the terminal frame payload for one turn.
type TurnStats struct {
	ModelTag     string `json:"model_tag,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMS    int64  `json:"latency_ms"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// ResearchRequest asks the turn to run as a research job.
type ResearchRequest struct {
	Topic         string              `json:"topic,omitempty"`
	Depth         model.ResearchDepth `json:"depth,omitempty"`
	CitationStyle string              `json:"citation_style,omitempty"`
}

// TurnOptions are the optional knobs a chat frame can carry.
type TurnOptions struct {
	ModelTag  string           `json:"model_tag,omitempty"`
	AgentTag  string           `json:"agent_tag,omitempty"`
	BindingID *uuid.UUID       `json:"binding_id,omitempty"`
	Research  *ResearchRequest `json:"research,omitempty"`
}

// TurnInput is one inbound chat frame, already authenticated.
type TurnInput struct {
	TurnID         uuid.UUID
	ConversationID uuid.UUID
	Content        string
	Options        TurnOptions
}

// Config carries the defaults the orchestrator shares with the governor.
type Config struct {
	// DefaultModelTag answers turns for users with no saved settings.
	DefaultModelTag string
	// DefaultBudget is the monthly cap applied when settings are absent,
	// in minor units.
	DefaultBudget int64

	// TurnHooks observe completed turns after the assistant reply is
	// persisted. Hooks must not block; they run on the turn goroutine.
	TurnHooks []TurnHook
}

// TurnDone summarizes one completed turn for hooks.
type TurnDone struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID
	TurnID         uuid.UUID
	Branch         string
	ModelTag       string
	InputTokens    int
	OutputTokens   int
	LatencyMS      int64
}

// TurnHook is notified after a turn completes successfully.
type TurnHook func(ctx context.Context, done TurnDone)

// Orchestrator runs turns. One instance serves all sessions.
type Orchestrator struct {
	db        *storage.DB
	gen       Generator
	retriever Retriever
	planner   SQLPlanner
	research  *research.Coordinator
	memories  *memory.Service
	governor  *budget.Governor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// lastTabular remembers which conversations recently got a tabular
	// answer so short follow-ups can stay on the tabular branch.
	mu          sync.Mutex
	lastTabular map[uuid.UUID]time.Time

	wg sync.WaitGroup

	turns    metric.Int64Counter
	duration metric.Float64Histogram
}

// New wires an orchestrator. research may be nil when no search provider
// is configured; planner may be nil when no credential sealer is available.
func New(
	db *storage.DB,
	gen Generator,
	retriever Retriever,
	planner SQLPlanner,
	coordinator *research.Coordinator,
	memories *memory.Service,
	governor *budget.Governor,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	meter := telemetry.Meter("braid/orchestrator")
	turns, _ := meter.Int64Counter("braid.orchestrator.turns",
		metric.WithDescription("Turns by branch and outcome"))
	duration, _ := meter.Float64Histogram("braid.orchestrator.turn.duration",
		metric.WithDescription("Turn wall time in milliseconds"),
		metric.WithUnit("ms"))

	return &Orchestrator{
		db:          db,
		gen:         gen,
		retriever:   retriever,
		planner:     planner,
		research:    coordinator,
		memories:    memories,
		governor:    governor,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		lastTabular: make(map[uuid.UUID]time.Time),
		turns:       turns,
		duration:    duration,
	}
}

// Drain waits for detached post-turn work (title derivation) to finish.
// Memory extraction drains through the memory service itself.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveModelTag picks the model for a turn: explicit option, then the
// user's per-agent override, then their default.
func resolveModelTag(explicit, agentTag string, settings model.UserSettings) string {
	if explicit != "" {
		return explicit
	}
	if tag, ok := settings.PerAgentOverrides[agentTag]; ok && tag != "" {
		return tag
	}
	return settings.DefaultModelTag
}

func (o *Orchestrator) observeTurn(ctx context.Context, branch, outcome string, start time.Time) {
	o.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("branch", branch),
		attribute.String("outcome", outcome)))
	o.duration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("branch", branch)))
}

// markTabular notes a successful tabular answer for follow-up detection.
// The map is pruned in place so it never grows past a few thousand
// conversations.
func (o *Orchestrator) markTabular(conversationID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.lastTabular) > 4096 {
		cutoff := o.now().Add(-time.Hour)
		for id, at := range o.lastTabular {
			if at.Before(cutoff) {
				delete(o.lastTabular, id)
			}
		}
	}
	o.lastTabular[conversationID] = o.now()
}

// followUpWindow is how long a tabular answer keeps its conversation on
// the tabular branch for follow-up questions.
const followUpWindow = 15 * time.Minute

func (o *Orchestrator) recentTabular(conversationID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.lastTabular[conversationID]
	return ok && o.now().Sub(at) <= followUpWindow
}
