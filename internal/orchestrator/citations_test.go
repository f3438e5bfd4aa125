package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/retrieval"
)

func TestExtractCitationsFirstAppearanceOrder(t *testing.T) {
	page := 4
	hits := []retrieval.ScoredChunk{
		{ChunkID: uuid.New(), DocumentID: uuid.New(), DocumentName: "a.md", Score: 0.9, Page: &page},
		{ChunkID: uuid.New(), DocumentID: uuid.New(), DocumentName: "b.md", Score: 0.8},
	}
	got := extractCitations("Per the handbook [2], remote work is fine [1]. See [2] again.", hits)
	require.Len(t, got, 2)

	assert.Equal(t, 2, got[0].N)
	assert.Equal(t, hits[1].ChunkID, got[0].ChunkID)
	assert.Equal(t, "b.md", got[0].DocumentName)
	assert.Nil(t, got[0].Page)

	assert.Equal(t, 1, got[1].N)
	assert.Equal(t, "a.md", got[1].DocumentName)
	require.NotNil(t, got[1].Page)
	assert.Equal(t, 4, *got[1].Page)
	assert.InDelta(t, 0.9, got[1].Score, 0.001)
}

func TestExtractCitationsIgnoresOutOfRange(t *testing.T) {
	hits := []retrieval.ScoredChunk{{ChunkID: uuid.New(), DocumentName: "a.md"}}
	got := extractCitations("see [0], [1], [2], [99]", hits)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].N)
}

func TestExtractCitationsNoMarkers(t *testing.T) {
	hits := []retrieval.ScoredChunk{{ChunkID: uuid.New()}}
	assert.Empty(t, extractCitations("no references here", hits))
}

func TestExtractCitationsNoHits(t *testing.T) {
	assert.Nil(t, extractCitations("anything [1]", nil))
}
