package tabular

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
)

// scriptedGenerator replays canned responses, one per Chat call. The last
// response repeats once the script runs out.
type scriptedGenerator struct {
	responses []string
	calls     int
	lastReq   llm.ChatRequest
}

func (g *scriptedGenerator) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	g.lastReq = req
	idx := g.calls
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	g.calls++
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Delta: g.responses[idx]}
	ch <- llm.Chunk{Done: true, InputTokens: 20, OutputTokens: 10}
	close(ch)
	return ch, nil
}

func TestRenderSchema(t *testing.T) {
	est := int64(1204)
	s := &model.SchemaSnapshot{Tables: []model.TableSummary{
		{
			Name: "orders",
			Columns: []model.ColumnSummary{
				{Name: "id", Type: "integer"},
				{Name: "region", Type: "text"},
			},
			RowEstimate: &est,
		},
		{Name: "notes", Columns: []model.ColumnSummary{{Name: "body", Type: "text"}}},
	}}

	out := renderSchema(s)
	assert.Contains(t, out, "- orders (id integer, region text) ~1204 rows")
	assert.Contains(t, out, "- notes (body text)")
	assert.NotContains(t, out, "notes (body text) ~")

	assert.Equal(t, "(no tables)\n", renderSchema(nil))
	assert.Equal(t, "(no tables)\n", renderSchema(&model.SchemaSnapshot{}))
}

func TestSQLSystemPrompt(t *testing.T) {
	binding := model.TabularBinding{
		EngineTag:      model.EnginePostgres,
		SchemaSnapshot: salesSnapshot(),
	}
	prompt := sqlSystemPrompt(binding)
	assert.Contains(t, prompt, "PostgreSQL")
	assert.Contains(t, prompt, "orders")
	assert.Contains(t, prompt, "customers")
	assert.Contains(t, prompt, "exactly one SELECT")

	binding.EngineTag = model.EngineSQLite
	assert.Contains(t, sqlSystemPrompt(binding), "SQLite")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, FailExecutionTimeout, kindOf(failf(FailExecutionTimeout, "slow")))
	assert.Equal(t, FailExecutionError, kindOf(errors.New("plain")))

	wrapped := fmt.Errorf("turn failed: %w", failf(FailValidationRejected, "bad table"))
	assert.Equal(t, FailValidationRejected, kindOf(wrapped))
}

func TestFailureError(t *testing.T) {
	err := failf(FailGenerationInvalid, "response contained no SELECT statement")
	assert.EqualError(t, err, "tabular: generation_invalid: response contained no SELECT statement")
	assert.Equal(t, "response contained no SELECT statement", failureReason(err))
	assert.Equal(t, "plain", failureReason(errors.New("plain")))
}
