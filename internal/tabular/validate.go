package tabular

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/braidhq/braid/internal/model"
)

// deniedKeywords rejects statements that write, define, or escape the query
// sandbox. The list covers both engines; a bare word match anywhere in the
// statement is enough since none of these have a legal place in a SELECT.
var deniedKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "truncate": true, "grant": true,
	"revoke": true, "copy": true, "into": true, "attach": true,
	"detach": true, "pragma": true, "vacuum": true, "call": true,
	"merge": true, "do": true, "execute": true, "prepare": true,
}

type tokKind int

const (
	tokWord tokKind = iota
	tokQuoted
	tokString
	tokNumber
	tokPunct
)

type sqlToken struct {
	kind tokKind
	text string
}

// tokenizeSQL splits a statement into words, quoted identifiers, literals,
// and single-character punctuation. String contents are dropped so a literal
// can never smuggle a keyword or statement separator past the guards.
func tokenizeSQL(s string) ([]sqlToken, error) {
	var toks []sqlToken
	i, n := 0, len(s)
	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && s[i+1] == '-':
			for i < n && s[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated block comment")
			}
			i += 2 + end + 2
		case c == '\'':
			j := i + 1
			for {
				k := strings.IndexByte(s[j:], '\'')
				if k < 0 {
					return nil, errors.New("unterminated string literal")
				}
				j += k + 1
				if j < n && s[j] == '\'' {
					j++
					continue
				}
				break
			}
			toks = append(toks, sqlToken{kind: tokString, text: "'?'"})
			i = j
		case c == '"':
			k := strings.IndexByte(s[i+1:], '"')
			if k < 0 {
				return nil, errors.New("unterminated quoted identifier")
			}
			toks = append(toks, sqlToken{kind: tokQuoted, text: strings.ToLower(s[i+1 : i+1+k])})
			i += k + 2
		case isWordStart(c):
			j := i
			for j < n && isWordChar(s[j]) {
				j++
			}
			toks = append(toks, sqlToken{kind: tokWord, text: strings.ToLower(s[i:j])})
			i = j
		case c >= '0' && c <= '9':
			j := i
			for j < n && (isWordChar(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, sqlToken{kind: tokNumber, text: s[i:j]})
			i = j
		case c == '$' || c == '`':
			return nil, fmt.Errorf("unsupported character %q", string(c))
		default:
			toks = append(toks, sqlToken{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}

func (t sqlToken) is(text string) bool {
	return t.kind == tokPunct && t.text == text
}

func (t sqlToken) word(text string) bool {
	return t.kind == tokWord && t.text == text
}

func (t sqlToken) identLike() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

// validateStatement enforces the read-only contract: a single SELECT (a WITH
// prelude is allowed), no denied keywords, and every referenced table present
// in the binding's schema snapshot or declared as a CTE.
func validateStatement(sqlText string, snapshot *model.SchemaSnapshot) error {
	toks, err := tokenizeSQL(sqlText)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return errors.New("empty statement")
	}
	if toks[len(toks)-1].is(";") {
		toks = toks[:len(toks)-1]
	}
	for _, t := range toks {
		if t.is(";") {
			return errors.New("multiple statements are not allowed")
		}
	}
	if len(toks) == 0 || !(toks[0].word("select") || toks[0].word("with")) {
		return errors.New("statement must be a SELECT")
	}
	for _, t := range toks {
		if t.kind == tokWord && deniedKeywords[t.text] {
			return fmt.Errorf("keyword %s is not allowed", strings.ToUpper(t.text))
		}
	}

	allowed := make(map[string]bool)
	if snapshot != nil {
		for _, tbl := range snapshot.Tables {
			allowed[strings.ToLower(tbl.Name)] = true
		}
	}
	for _, name := range cteNames(toks) {
		allowed[name] = true
	}
	for _, ref := range tableRefs(toks) {
		base := ref
		if dot := strings.LastIndexByte(ref, '.'); dot >= 0 {
			base = ref[dot+1:]
		}
		if !allowed[base] {
			return fmt.Errorf("unknown table %q", ref)
		}
	}
	return nil
}

// cteNames collects the names declared in a leading WITH clause so the
// reference check does not mistake them for unknown tables.
func cteNames(toks []sqlToken) []string {
	if len(toks) == 0 || !toks[0].word("with") {
		return nil
	}
	var names []string
	i := 1
	if i < len(toks) && toks[i].word("recursive") {
		i++
	}
	for i < len(toks) {
		if !toks[i].identLike() {
			break
		}
		names = append(names, toks[i].text)
		i++
		if i < len(toks) && toks[i].is("(") {
			i = skipParens(toks, i)
		}
		if i >= len(toks) || !toks[i].word("as") {
			break
		}
		i++
		for i < len(toks) && (toks[i].word("not") || toks[i].word("materialized")) {
			i++
		}
		if i >= len(toks) || !toks[i].is("(") {
			break
		}
		i = skipParens(toks, i)
		if i < len(toks) && toks[i].is(",") {
			i++
			continue
		}
		break
	}
	return names
}

// nonClauseFrom lists words that put a preceding FROM inside an expression
// rather than at the start of a from-clause: IS DISTINCT FROM, TRIM, and the
// EXTRACT field names.
var nonClauseFrom = map[string]bool{
	"distinct": true, "leading": true, "trailing": true, "both": true,
	"year": true, "month": true, "day": true, "hour": true, "minute": true,
	"second": true, "epoch": true, "dow": true, "doy": true, "isodow": true,
	"week": true, "quarter": true, "century": true, "decade": true,
	"millennium": true, "microseconds": true, "milliseconds": true,
	"timezone": true,
}

// tableRefs extracts the names that appear in table position after FROM and
// JOIN. The scan visits every token, so from-clauses inside derived tables
// and CTE bodies are checked too.
func tableRefs(toks []sqlToken) []string {
	var refs []string
	for i := 0; i < len(toks); i++ {
		if !(toks[i].word("from") || toks[i].word("join")) {
			continue
		}
		if toks[i].word("from") && i > 0 &&
			(toks[i-1].kind == tokString || (toks[i-1].kind == tokWord && nonClauseFrom[toks[i-1].text])) {
			continue
		}
		j := i + 1
		for {
			var ref string
			j, ref = readFromItem(toks, j)
			if ref != "" {
				refs = append(refs, ref)
			}
			if toks[i].word("join") || j >= len(toks) || !toks[j].is(",") {
				break
			}
			j++
		}
	}
	return refs
}

func readFromItem(toks []sqlToken, j int) (int, string) {
	for j < len(toks) && (toks[j].word("lateral") || toks[j].word("only")) {
		j++
	}
	if j >= len(toks) {
		return j, ""
	}
	if toks[j].is("(") {
		return skipAlias(toks, skipParens(toks, j)), ""
	}
	if !toks[j].identLike() {
		return j, ""
	}
	name := toks[j].text
	j++
	for j+1 < len(toks) && toks[j].is(".") && toks[j+1].identLike() {
		name += "." + toks[j+1].text
		j += 2
	}
	// A call in table position, generate_series and friends. The name is
	// still reported so unknown functions get rejected like unknown tables.
	if j < len(toks) && toks[j].is("(") {
		j = skipParens(toks, j)
	}
	return skipAlias(toks, j), name
}

// skipAlias consumes an optional "AS name" or bare alias after a from-item.
var aliasStoppers = map[string]bool{
	"on": true, "using": true, "where": true, "group": true, "order": true,
	"having": true, "limit": true, "offset": true, "fetch": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true,
	"cross": true, "natural": true, "union": true, "intersect": true,
	"except": true, "window": true, "for": true, "with": true,
}

func skipAlias(toks []sqlToken, j int) int {
	if j < len(toks) && toks[j].word("as") {
		j++
		if j < len(toks) && toks[j].identLike() {
			j++
		}
		return j
	}
	if j < len(toks) && toks[j].identLike() && !aliasStoppers[toks[j].text] {
		j++
	}
	return j
}

// skipParens advances past a balanced parenthesized group. i must point at
// the opening parenthesis; the returned index is just past the close.
func skipParens(toks []sqlToken, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].is("("):
			depth++
		case toks[i].is(")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

var (
	sqlFence    = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
	selectStart = regexp.MustCompile(`(?i)\bselect\b`)
	withStart   = regexp.MustCompile(`(?i)\bwith\b`)
)

// extractSQL pulls the statement out of a model response: a fenced block if
// present, otherwise everything from the first SELECT, or from an earlier
// WITH when one leads into it. Prose after a closing semicolon is dropped.
func extractSQL(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if m := sqlFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	sel := selectStart.FindStringIndex(text)
	if sel == nil {
		return "", false
	}
	start := sel[0]
	if w := withStart.FindStringIndex(text); w != nil && w[0] < start {
		start = w[0]
	}
	text = strings.TrimSpace(cutAtSemicolon(text[start:]))
	return text, text != ""
}

// cutAtSemicolon truncates at the first statement separator outside of
// string literals, quoted identifiers, and comments.
func cutAtSemicolon(s string) string {
	i, n := 0, len(s)
	for i < n {
		switch {
		case s[i] == ';':
			return s[:i+1]
		case s[i] == '\'':
			j := i + 1
			for j < n {
				if s[j] == '\'' {
					if j+1 < n && s[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j + 1
		case s[i] == '"':
			k := strings.IndexByte(s[i+1:], '"')
			if k < 0 {
				return s
			}
			i += k + 2
		case s[i] == '-' && i+1 < n && s[i+1] == '-':
			for i < n && s[i] != '\n' {
				i++
			}
		case s[i] == '/' && i+1 < n && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return s
			}
			i += 2 + end + 2
		default:
			i++
		}
	}
	return s
}

// ensureLimit appends a LIMIT when the statement has none. A LIMIT inside a
// subquery also counts, so this is best effort; the row scan cap in the
// connectors is the hard bound.
func ensureLimit(sqlText string, n int) string {
	toks, err := tokenizeSQL(sqlText)
	if err == nil {
		for _, t := range toks {
			if t.kind == tokWord && (t.text == "limit" || t.text == "fetch") {
				return sqlText
			}
		}
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")
	return fmt.Sprintf("%s LIMIT %d", trimmed, n)
}
