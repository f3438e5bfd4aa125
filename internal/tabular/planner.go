package tabular

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

// maxContextTurns caps how much conversation history rides along with the
// question. Follow-ups rarely need more than the last few turns.
const maxContextTurns = 6

// generationMaxTokens bounds the SQL completion. Statements longer than this
// are almost certainly runaway generations.
const generationMaxTokens = 1024

// Generator produces text completions. *llm.Gateway satisfies it.
type Generator interface {
	Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

// Planner answers natural-language questions by generating a guarded SELECT
// against a bound database. Every attempt, successful or not, leaves a
// history row.
type Planner struct {
	db     *storage.DB
	sealer *Sealer
	gen    Generator
	logger *slog.Logger
	lim    execLimits

	queries  metric.Int64Counter
	duration metric.Float64Histogram
}

// PlannerOption adjusts planner behavior beyond the defaults.
type PlannerOption func(*Planner)

// WithExecLimits overrides the row cap and statement timeout applied to
// generated queries. Zero values keep the defaults.
func WithExecLimits(maxRows int, timeout time.Duration) PlannerOption {
	return func(p *Planner) {
		p.lim = execLimits{maxRows: maxRows, timeout: timeout}
	}
}

func NewPlanner(db *storage.DB, sealer *Sealer, gen Generator, logger *slog.Logger, opts ...PlannerOption) *Planner {
	meter := telemetry.Meter("braid/tabular")
	queries, _ := meter.Int64Counter("braid.tabular.queries",
		metric.WithDescription("Planner attempts by outcome"))
	duration, _ := meter.Float64Histogram("braid.tabular.query.duration",
		metric.WithDescription("Statement execution wall time"),
		metric.WithUnit("ms"))

	p := &Planner{
		db:       db,
		sealer:   sealer,
		gen:      gen,
		logger:   logger,
		queries:  queries,
		duration: duration,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanInput is one question aimed at one binding.
type PlanInput struct {
	BindingID uuid.UUID
	Question  string
	// Context carries recent conversation turns so follow-up questions
	// can resolve references to earlier answers.
	Context []llm.Message
	// ModelTag overrides the gateway default model when set.
	ModelTag string
}

// Run generates, validates, and executes a SELECT for the question. A
// generation or validation failure is retried once with the rejection reason
// fed back to the model; execution failures are not retried.
func (p *Planner) Run(ctx context.Context, userID uuid.UUID, input PlanInput) (model.TabularResult, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return model.TabularResult{}, errors.New("tabular: question is required")
	}

	binding, err := p.db.GetTabularBinding(ctx, userID, input.BindingID)
	if err != nil {
		return model.TabularResult{}, err
	}
	if binding.Status != model.BindingActive || binding.SchemaSnapshot == nil {
		return model.TabularResult{}, failf(FailConnectionError, "binding %q is not active", binding.DisplayName)
	}
	sealed, err := p.db.GetBindingCredential(ctx, userID, input.BindingID)
	if err != nil {
		return model.TabularResult{}, err
	}
	cred, err := p.sealer.Open(sealed)
	if err != nil {
		return model.TabularResult{}, err
	}
	conn, err := connectorFor(binding.EngineTag, cred.DSN, p.lim)
	if err != nil {
		return model.TabularResult{}, err
	}

	var feedback string
	for attempt := 1; ; attempt++ {
		sqlText, err := p.generate(ctx, binding, input, question, feedback)
		if err != nil {
			p.record(ctx, userID, binding.ID, question, sqlText, 0, 0, err)
			if attempt == 1 && kindOf(err) == FailGenerationInvalid {
				feedback = failureReason(err)
				continue
			}
			return model.TabularResult{}, err
		}
		if verr := validateStatement(sqlText, binding.SchemaSnapshot); verr != nil {
			err := failf(FailValidationRejected, "%s", verr.Error())
			p.record(ctx, userID, binding.ID, question, sqlText, 0, 0, err)
			if attempt == 1 {
				feedback = verr.Error()
				continue
			}
			return model.TabularResult{}, err
		}
		sqlText = ensureLimit(sqlText, p.lim.normalized().maxRows)

		started := time.Now()
		res, qerr := conn.query(ctx, sqlText)
		wall := time.Since(started)
		if qerr != nil {
			p.record(ctx, userID, binding.ID, question, sqlText, 0, wall, qerr)
			p.logger.Warn("tabular: query failed",
				"binding_id", binding.ID,
				"kind", string(kindOf(qerr)),
				"error", qerr)
			return model.TabularResult{}, qerr
		}

		p.record(ctx, userID, binding.ID, question, sqlText, len(res.rows), wall, nil)
		p.duration.Record(ctx, float64(wall.Milliseconds()),
			metric.WithAttributes(attribute.String("engine", string(binding.EngineTag))))
		p.logger.Info("tabular: query answered",
			"binding_id", binding.ID,
			"rows", len(res.rows),
			"wall_ms", wall.Milliseconds(),
			"attempt", attempt)
		return model.TabularResult{
			GeneratedSQL: sqlText,
			Columns:      res.columns,
			Rows:         res.rows,
			RowCount:     len(res.rows),
			WallMS:       wall.Milliseconds(),
			Truncated:    res.truncated,
		}, nil
	}
}

// Verdict is the outcome of static validation without execution.
type Verdict struct {
	SQL    string `json:"sql"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Explain generates SQL for the question and reports the validation verdict
// without touching the bound database.
func (p *Planner) Explain(ctx context.Context, userID uuid.UUID, input PlanInput) (Verdict, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return Verdict{}, errors.New("tabular: question is required")
	}
	binding, err := p.db.GetTabularBinding(ctx, userID, input.BindingID)
	if err != nil {
		return Verdict{}, err
	}
	if binding.Status != model.BindingActive || binding.SchemaSnapshot == nil {
		return Verdict{}, failf(FailConnectionError, "binding %q is not active", binding.DisplayName)
	}
	sqlText, err := p.generate(ctx, binding, input, question, "")
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{SQL: sqlText, Valid: true}
	if verr := validateStatement(sqlText, binding.SchemaSnapshot); verr != nil {
		v.Valid = false
		v.Reason = verr.Error()
	}
	return v, nil
}

// Validate checks caller-provided SQL against the binding's snapshot without
// executing it.
func (p *Planner) Validate(ctx context.Context, userID, bindingID uuid.UUID, sqlText string) (Verdict, error) {
	binding, err := p.db.GetTabularBinding(ctx, userID, bindingID)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{SQL: strings.TrimSpace(sqlText), Valid: true}
	if verr := validateStatement(v.SQL, binding.SchemaSnapshot); verr != nil {
		v.Valid = false
		v.Reason = verr.Error()
	}
	return v, nil
}

func (p *Planner) generate(ctx context.Context, binding model.TabularBinding, input PlanInput, question, feedback string) (string, error) {
	req := llm.ChatRequest{
		ModelTag:  input.ModelTag,
		System:    sqlSystemPrompt(binding),
		MaxTokens: generationMaxTokens,
	}
	turns := input.Context
	if len(turns) > maxContextTurns {
		turns = turns[len(turns)-maxContextTurns:]
	}
	req.Messages = append(req.Messages, turns...)

	user := question
	if feedback != "" {
		user += "\n\nYour previous statement was rejected: " + feedback + "\nReturn a corrected statement."
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: user})

	stream, err := p.gen.Chat(ctx, req)
	if err != nil {
		return "", failf(FailGenerationInvalid, "model call failed: %v", err)
	}
	text, _, _, err := llm.Collect(ctx, stream)
	if err != nil {
		return "", failf(FailGenerationInvalid, "model call failed: %v", err)
	}
	sqlText, ok := extractSQL(text)
	if !ok {
		return "", failf(FailGenerationInvalid, "response contained no SELECT statement")
	}
	return sqlText, nil
}

// record writes the attempt's history row. It runs on a detached context so
// a cancelled or timed-out turn still leaves its trace.
func (p *Planner) record(ctx context.Context, userID, bindingID uuid.UUID, question, sqlText string, rowCount int, wall time.Duration, attemptErr error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry := model.TabularHistoryEntry{
		UserID:       userID,
		BindingID:    bindingID,
		Question:     question,
		GeneratedSQL: sqlText,
		RowCount:     rowCount,
		WallMS:       wall.Milliseconds(),
	}
	outcome := "ok"
	if attemptErr != nil {
		kind := string(kindOf(attemptErr))
		entry.ErrorKind = &kind
		outcome = kind
	}
	p.queries.Add(wctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if err := p.db.AppendTabularHistory(wctx, entry); err != nil {
		p.logger.Warn("tabular: history append failed", "binding_id", bindingID, "error", err)
	}
}

// kindOf extracts the failure kind, defaulting to execution_error for
// unclassified errors.
func kindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailExecutionError
}

func sqlSystemPrompt(binding model.TabularBinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You translate questions into SQL for a %s database.\n\nSchema:\n", engineName(binding.EngineTag))
	b.WriteString(renderSchema(binding.SchemaSnapshot))
	b.WriteString(`
Rules:
- Respond with exactly one SELECT statement and nothing else.
- Only reference the tables listed above.
- Quote identifiers with double quotes when quoting is needed.
- Never write, define, or modify anything.
- Prefer aggregates over raw row dumps when the question asks for totals or trends.`)
	return b.String()
}

func engineName(engine model.EngineTag) string {
	switch engine {
	case model.EnginePostgres:
		return "PostgreSQL"
	case model.EngineSQLite:
		return "SQLite"
	default:
		return string(engine)
	}
}

func renderSchema(s *model.SchemaSnapshot) string {
	if s == nil || len(s.Tables) == 0 {
		return "(no tables)\n"
	}
	var b strings.Builder
	for _, table := range s.Tables {
		b.WriteString("- ")
		b.WriteString(table.Name)
		b.WriteString(" (")
		for i, col := range table.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col.Name)
			b.WriteString(" ")
			b.WriteString(col.Type)
		}
		b.WriteString(")")
		if table.RowEstimate != nil {
			fmt.Fprintf(&b, " ~%d rows", *table.RowEstimate)
		}
		b.WriteString("\n")
	}
	return b.String()
}
