package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
)

func TestTabularFailureMapsCodes(t *testing.T) {
	cases := []struct {
		kind tabular.FailureKind
		code string
	}{
		{tabular.FailGenerationInvalid, codeTabularUnsafe},
		{tabular.FailValidationRejected, codeTabularUnsafe},
		{tabular.FailExecutionTimeout, codeTabularExecution},
		{tabular.FailExecutionError, codeTabularExecution},
		{tabular.FailConnectionError, codeUpstreamUnavailable},
	}
	for _, c := range cases {
		err := fmt.Errorf("run: %w", &tabular.Failure{Kind: c.kind, Reason: "because"})
		code, msg := tabularFailure(err)
		assert.Equal(t, c.code, code, string(c.kind))
		assert.Equal(t, "because", msg, string(c.kind))
	}

	code, _ := tabularFailure(fmt.Errorf("lookup: %w", storage.ErrNotFound))
	assert.Equal(t, codeNotFound, code)

	code, _ = tabularFailure(errors.New("connection refused"))
	assert.Equal(t, codeUpstreamUnavailable, code)
}

func TestLLMHistoryDropsSystemMessages(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hello"},
		{Role: model.RoleSystem, Content: "internal note"},
	}
	got := llmHistory(msgs)
	require.Len(t, got, 2)
	assert.Equal(t, llm.RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, llm.RoleAssistant, got[1].Role)
	assert.Equal(t, "hello", got[1].Content)
}

func TestResolveModelTag(t *testing.T) {
	settings := model.UserSettings{
		DefaultModelTag:   "claude-haiku-4-5",
		PerAgentOverrides: map[string]string{"analyst": "claude-sonnet-4-5"},
	}
	assert.Equal(t, "explicit-tag", resolveModelTag("explicit-tag", "analyst", settings))
	assert.Equal(t, "claude-sonnet-4-5", resolveModelTag("", "analyst", settings))
	assert.Equal(t, "claude-haiku-4-5", resolveModelTag("", "braid", settings))
}
