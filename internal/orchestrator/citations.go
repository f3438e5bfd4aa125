package orchestrator

import (
	"regexp"
	"strconv"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
)

var citeMarker = regexp.MustCompile(`\[(\d{1,2})\]`)

// extractCitations maps [n] markers in the reply onto the hits that
// numbered the retrieved-context blocks. Each block is cited at most
// once, in order of first appearance; markers outside 1..len(hits) are
// ignored.
func extractCitations(reply string, hits []retrieval.ScoredChunk) []model.Citation {
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	var out []model.Citation
	for _, m := range citeMarker.FindAllStringSubmatch(reply, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(hits) || seen[n] {
			continue
		}
		seen[n] = true
		h := hits[n-1]
		out = append(out, model.Citation{
			N:            n,
			DocumentID:   h.DocumentID,
			DocumentName: h.DocumentName,
			Page:         h.Page,
			ChunkID:      h.ChunkID,
			Score:        h.Score,
		})
	}
	return out
}
