package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMime(t *testing.T) {
	assert.Equal(t, "text/plain", NormalizeMime("text/plain; charset=utf-8"))
	assert.Equal(t, "text/csv", NormalizeMime("TEXT/CSV"))
	assert.Equal(t, "application/json", NormalizeMime("application/json"))
	assert.Equal(t, "not a mime", NormalizeMime("not a mime"))
}

func TestSupportedMime(t *testing.T) {
	assert.True(t, SupportedMime("text/plain"))
	assert.True(t, SupportedMime("text/markdown; charset=utf-8"))
	assert.True(t, SupportedMime("text/csv"))
	assert.True(t, SupportedMime("application/json"))
	assert.False(t, SupportedMime("application/pdf"))
	assert.False(t, SupportedMime("application/octet-stream"))
	assert.False(t, SupportedMime(""))
}

func TestExtractPlainText(t *testing.T) {
	text, err := ExtractText("text/plain", []byte("line one\r\nline two  \n\n\n\nline three\n"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n\nline three", text)
}

func TestExtractMarkdown(t *testing.T) {
	md := "# Title\n\nSome *bold* text with a [link](https://example.com) and `code`.\n\n```go\nx := 1\n```\n"
	text, err := ExtractText("text/markdown", []byte(md))
	require.NoError(t, err)
	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "Some bold text with a link and code.")
	assert.Contains(t, text, "x := 1")
	assert.NotContains(t, text, "https://example.com")
	assert.NotContains(t, text, "```")
	assert.NotContains(t, text, "#")
}

func TestExtractCSV(t *testing.T) {
	text, err := ExtractText("text/csv", []byte("name,age\nalice,30\nbob,41\n"))
	require.NoError(t, err)
	assert.Equal(t, "name, age\nalice, 30\nbob, 41", text)
}

func TestExtractCSVRaggedRows(t *testing.T) {
	text, err := ExtractText("text/csv", []byte("a,b,c\nd\ne,f\n"))
	require.NoError(t, err)
	assert.Equal(t, "a, b, c\nd\ne, f", text)
}

func TestExtractJSON(t *testing.T) {
	raw := `{"title":"Q3 report","tags":["finance","internal"],"meta":{"pages":12,"draft":false},"missing":null}`
	text, err := ExtractText("application/json", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "meta.draft: false\nmeta.pages: 12\ntags[0]: finance\ntags[1]: internal\ntitle: Q3 report", text)
}

func TestExtractJSONInvalidFallsBackToRaw(t *testing.T) {
	text, err := ExtractText("application/json", []byte(`{"broken": `))
	require.NoError(t, err)
	assert.Contains(t, text, "broken")
}

func TestExtractErrors(t *testing.T) {
	_, err := ExtractText("application/pdf", []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrUnsupportedMime)

	_, err = ExtractText("text/plain", []byte("   \n\t  "))
	require.ErrorIs(t, err, ErrEmptyDocument)

	_, err = ExtractText("text/plain", nil)
	require.ErrorIs(t, err, ErrEmptyDocument)
}
