package retrieval

import (
	"unicode"
	"unicode/utf8"
)

// Chunk sizing in estimated tokens.
const (
	chunkTargetTokens  = 800
	chunkMinTokens     = 500
	chunkMaxTokens     = 1200
	chunkOverlapTokens = 100
)

// Piece is one chunk of a document prepared for embedding, with byte
// offsets into the normalized extracted text.
type Piece struct {
	Text        string
	TokenCount  int
	StartOffset int
	EndOffset   int
}

// estimateTokens approximates token count at four characters per token,
// which is close enough for chunk sizing across the embedding models the
// gateway routes to.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// span is a sentence-sized slice of the source text. Offsets are bytes,
// end exclusive.
type span struct {
	start  int
	end    int
	tokens int
}

// splitSentences cuts text into sentence spans. Terminal punctuation
// followed by whitespace ends a sentence; a newline ends one
// unconditionally, which keeps list items and paragraphs apart.
// Abbreviations over-split, which only makes packing granular.
func splitSentences(text string) []span {
	var spans []span
	start := -1

	flush := func(end int) {
		if start < 0 || end <= start {
			start = -1
			return
		}
		seg := text[start:end]
		trimmed := trimRightSpace(seg)
		if trimmed == "" {
			start = -1
			return
		}
		spans = append(spans, span{
			start:  start,
			end:    start + len(trimmed),
			tokens: estimateTokens(trimmed),
		})
		start = -1
	}

	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if start < 0 {
			if !unicode.IsSpace(r) {
				start = i
			}
			i += size
			continue
		}
		if r == '\n' {
			flush(i)
			i += size
			continue
		}
		if r == '.' || r == '!' || r == '?' {
			j := i + size
			for j < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if !isSentenceCloser(r2) {
					break
				}
				j += s2
			}
			if j >= len(text) {
				flush(j)
				i = j
				continue
			}
			if r2, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(r2) {
				flush(j)
			}
			i = j
			continue
		}
		i += size
	}
	flush(len(text))
	return spans
}

// isSentenceCloser reports whether a rune can trail terminal punctuation
// without reopening the sentence (ellipses, closing quotes, brackets).
func isSentenceCloser(r rune) bool {
	switch r {
	case '.', '!', '?', ')', ']', '"', '\'', '”', '’':
		return true
	}
	return false
}

func trimRightSpace(s string) string {
	end := len(s)
	for end > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return s[:end]
}

// explodeOversize splits any span longer than the hard chunk maximum into
// word-boundary windows so one run-on sentence cannot produce an oversized
// chunk.
func explodeOversize(text string, spans []span) []span {
	out := make([]span, 0, len(spans))
	for _, sp := range spans {
		if sp.tokens <= chunkMaxTokens {
			out = append(out, sp)
			continue
		}
		out = append(out, splitSpanByWords(text, sp)...)
	}
	return out
}

// splitSpanByWords cuts a span into windows of roughly the target token
// size, breaking at the last whitespace inside each window when there is
// one.
func splitSpanByWords(text string, sp span) []span {
	const window = chunkTargetTokens * 4 // runes per slice
	var out []span
	start := sp.start
	for start < sp.end {
		for start < sp.end {
			r, size := utf8.DecodeRuneInString(text[start:])
			if !unicode.IsSpace(r) {
				break
			}
			start += size
		}
		if start >= sp.end {
			break
		}
		runes := 0
		i := start
		lastSpace := -1
		for i < sp.end && runes < window {
			r, size := utf8.DecodeRuneInString(text[i:])
			if unicode.IsSpace(r) {
				lastSpace = i
			}
			i += size
			runes++
		}
		end := i
		if end < sp.end && lastSpace > start {
			end = lastSpace
		}
		out = append(out, span{start: start, end: end, tokens: estimateTokens(text[start:end])})
		start = end
	}
	return out
}

// splitChunks packs sentences into pieces of roughly the target size with
// a trailing-sentence overlap between consecutive pieces. The hard maximum
// always wins over the target; a short final piece merges into its
// predecessor when the merge stays under the maximum. Callers assign
// contiguous ordinals from the slice index.
func splitChunks(text string) []Piece {
	spans := explodeOversize(text, splitSentences(text))
	if len(spans) == 0 {
		return nil
	}

	var pieces []Piece
	i := 0
	for i < len(spans) {
		tokens := 0
		j := i
		for j < len(spans) {
			if tokens >= chunkTargetTokens {
				break
			}
			if tokens > 0 && tokens+spans[j].tokens > chunkMaxTokens {
				break
			}
			tokens += spans[j].tokens
			j++
		}

		start, end := spans[i].start, spans[j-1].end
		pieces = append(pieces, Piece{
			Text:        text[start:end],
			TokenCount:  estimateTokens(text[start:end]),
			StartOffset: start,
			EndOffset:   end,
		})

		if j >= len(spans) {
			break
		}

		// Start the next piece over the tail of this one to build the
		// overlap, always advancing at least one sentence.
		k := j
		overlap := 0
		for k > i+1 && overlap < chunkOverlapTokens {
			overlap += spans[k-1].tokens
			k--
		}
		i = k
	}

	if n := len(pieces); n >= 2 && pieces[n-1].TokenCount < chunkMinTokens {
		start := pieces[n-2].StartOffset
		end := pieces[n-1].EndOffset
		if merged := estimateTokens(text[start:end]); merged <= chunkMaxTokens {
			pieces[n-2] = Piece{
				Text:        text[start:end],
				TokenCount:  merged,
				StartOffset: start,
				EndOffset:   end,
			}
			pieces = pieces[:n-1]
		}
	}

	return pieces
}
