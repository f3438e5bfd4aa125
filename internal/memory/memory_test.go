package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/model"
)

func TestParseFacts(t *testing.T) {
	facts := parseFacts(strings.Join([]string{
		"fact: works in supply chain analytics",
		"preference: prefers tables over prose",
	}, "\n"))
	require.Len(t, facts, 2)
	assert.Equal(t, model.MemoryFact, facts[0].Kind)
	assert.Equal(t, "works in supply chain analytics", facts[0].Content)
	assert.Equal(t, model.MemoryPreference, facts[1].Kind)
}

func TestParseFactsToleratesBulletsAndCase(t *testing.T) {
	facts := parseFacts(strings.Join([]string{
		"- Fact: based in Rotterdam",
		"2) EVENT: migrated the warehouse data in July 2025",
		"* insight: double-checks totals before trusting a report",
	}, "\n"))
	require.Len(t, facts, 3)
	assert.Equal(t, model.MemoryFact, facts[0].Kind)
	assert.Equal(t, "based in Rotterdam", facts[0].Content)
	assert.Equal(t, model.MemoryEvent, facts[1].Kind)
	assert.Equal(t, model.MemoryInsight, facts[2].Kind)
}

func TestParseFactsKeepsColonsInContent(t *testing.T) {
	facts := parseFacts("event: standup moved to 10:30")
	require.Len(t, facts, 1)
	assert.Equal(t, "standup moved to 10:30", facts[0].Content)
}

func TestParseFactsDropsJunk(t *testing.T) {
	assert.Empty(t, parseFacts("NONE"))
	assert.Empty(t, parseFacts("None."))
	assert.Empty(t, parseFacts(""))
	assert.Empty(t, parseFacts("the user seems friendly"))
	assert.Empty(t, parseFacts("opinion: tabs beat spaces"))
	assert.Empty(t, parseFacts("fact: ok"))
}

func TestParseFactsCapsCountAndLength(t *testing.T) {
	var lines []string
	for i := 0; i < 8; i++ {
		lines = append(lines, "fact: repeated durable detail")
	}
	assert.Len(t, parseFacts(strings.Join(lines, "\n")), maxFactsPerTurn)

	long := parseFacts("fact: " + strings.Repeat("x", maxFactRunes+50))
	require.Len(t, long, 1)
	assert.Len(t, []rune(long[0].Content), maxFactRunes)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "abcde", clip("abcdefg", 5))
	assert.Equal(t, "héllo", clip("héllo world", 5))
}

func TestExtractUserPrompt(t *testing.T) {
	got := extractUserPrompt(ExtractInput{
		UserText:      "I run the Rotterdam warehouse.",
		AssistantText: "Noted, thanks.",
	})
	assert.True(t, strings.HasPrefix(got, "User said:\nI run the Rotterdam warehouse."))
	assert.Contains(t, got, "\n\nAssistant replied:\nNoted, thanks.")
}

func TestPromptBlockGroupsByKind(t *testing.T) {
	recalled := []model.ScoredMemory{
		{Memory: model.Memory{Kind: model.MemoryPreference, Content: "prefers concise answers"}, Similarity: 0.91},
		{Memory: model.Memory{Kind: model.MemoryFact, Content: "works in supply chain analytics"}, Similarity: 0.88},
		{Memory: model.Memory{Kind: model.MemoryPreference, Content: "wants SQL shown before results"}, Similarity: 0.85},
	}
	want := "What you remember about this user:\n" +
		"Facts:\n" +
		"- works in supply chain analytics\n" +
		"Preferences:\n" +
		"- prefers concise answers\n" +
		"- wants SQL shown before results"
	assert.Equal(t, want, PromptBlock(recalled))
}

func TestPromptBlockEmpty(t *testing.T) {
	assert.Equal(t, "", PromptBlock(nil))
	assert.Equal(t, "", PromptBlock([]model.ScoredMemory{}))
}
