package retrieval

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedMime is returned for content types the pipeline cannot
	// extract text from.
	ErrUnsupportedMime = errors.New("retrieval: unsupported mime type")

	// ErrEmptyDocument is returned when extraction yields no text.
	ErrEmptyDocument = errors.New("retrieval: document has no extractable text")

	// ErrDocumentTooLarge is returned when a document exceeds the configured
	// size cap.
	ErrDocumentTooLarge = errors.New("retrieval: document exceeds size limit")
)

// NormalizeMime strips parameters from a media type ("text/plain;
// charset=utf-8" becomes "text/plain") and lowercases it. Unparseable
// values are returned lowercased as-is so the allowlist check still runs.
func NormalizeMime(mimeTag string) string {
	mt, _, err := mime.ParseMediaType(mimeTag)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeTag))
	}
	return mt
}

// SupportedMime reports whether the pipeline can extract text from the
// given (normalized) media type.
func SupportedMime(mimeTag string) bool {
	switch NormalizeMime(mimeTag) {
	case "text/plain", "text/markdown", "text/csv", "application/json":
		return true
	}
	return false
}

// ExtractText converts raw document bytes into plain text suitable for
// chunking. Returns ErrUnsupportedMime for media types outside the
// allowlist and ErrEmptyDocument when nothing textual remains.
func ExtractText(mimeTag string, content []byte) (string, error) {
	var text string
	switch NormalizeMime(mimeTag) {
	case "text/plain":
		text = string(content)
	case "text/markdown":
		text = stripMarkdown(string(content))
	case "text/csv":
		text = flattenCSV(content)
	case "application/json":
		text = flattenJSON(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMime, mimeTag)
	}

	text = normalizeText(text)
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

var multiBlank = regexp.MustCompile(`\n{3,}`)

// normalizeText unifies line endings, trims trailing space per line, and
// collapses runs of blank lines so paragraph boundaries stay meaningful
// for the chunker.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = multiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var (
	mdFence    = regexp.MustCompile("(?m)^```[^\n]*$")
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdEmphasis = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
	mdInline   = regexp.MustCompile("`([^`]*)`")
)

// stripMarkdown removes the markup that would pollute lexical search while
// keeping the readable text: fences and heading markers go, link and image
// labels survive, emphasis and inline-code markers are unwrapped.
func stripMarkdown(s string) string {
	s = mdFence.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$2")
	s = mdInline.ReplaceAllString(s, "$1")
	return s
}

// flattenCSV renders each record as a comma-joined line. Ragged rows are
// tolerated; if the content does not parse as CSV at all it is indexed as
// plain text rather than rejected.
func flattenCSV(content []byte) string {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return string(content)
	}
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(strings.Join(rec, ", "))
		b.WriteByte('\n')
	}
	return b.String()
}

// flattenJSON walks a JSON document and emits one "path: value" line per
// scalar, so nested structures become searchable text. Invalid JSON is
// indexed as plain text.
func flattenJSON(content []byte) string {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return string(content)
	}
	var b strings.Builder
	writeJSONLines(&b, "", v)
	return b.String()
}

func writeJSONLines(b *strings.Builder, path string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeJSONLines(b, joinPath(path, k), t[k])
		}
	case []any:
		for i, item := range t {
			writeJSONLines(b, fmt.Sprintf("%s[%d]", path, i), item)
		}
	case nil:
		// skip nulls; they carry no searchable text
	default:
		fmt.Fprintf(b, "%s: %v\n", path, t)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
