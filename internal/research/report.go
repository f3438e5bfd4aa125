package research

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/braidhq/braid/internal/model"
)

// Country-code second levels that hide the registrable label one step
// deeper ("news.bbc.co.uk" should cite as Bbc, not Co).
var secondLevelLabels = map[string]struct{}{
	"co": {}, "ac": {}, "gov": {}, "com": {}, "org": {}, "net": {}, "edu": {},
}

// citeAuthor picks the registrable label of the host, falling back to the
// first word of the title.
func citeAuthor(rawURL, title string) string {
	host := strings.TrimPrefix(hostOf(rawURL), "www.")
	if host != "" {
		labels := strings.Split(host, ".")
		if len(labels) >= 2 {
			label := labels[len(labels)-2]
			if _, second := secondLevelLabels[label]; second && len(labels) >= 3 {
				label = labels[len(labels)-3]
			}
			return capitalizeASCII(label)
		}
		return capitalizeASCII(host)
	}
	if fields := strings.Fields(title); len(fields) > 0 {
		return capitalizeASCII(strings.Trim(fields[0], `"'.,;:`))
	}
	return "Source"
}

// citeYear reads a year out of the provider's publication hint, defaulting
// to the current year.
func citeYear(published string, now time.Time) int {
	if m := yearPattern.FindString(published); m != "" {
		year, _ := strconv.Atoi(m)
		return year
	}
	if m := relativeAge.FindStringSubmatch(published); m != nil {
		if strings.EqualFold(m[2], "year") {
			n, _ := strconv.Atoi(m[1])
			return now.Year() - n
		}
	}
	return now.Year()
}

func capitalizeASCII(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// citeRef matches "[Author Year]" placeholders, including disambiguation
// suffixes like "[Nature 2024b]".
var citeRef = regexp.MustCompile(`\[([^\[\]\n]{1,80}?\s(?:19|20)\d{2}[a-z]?)\]`)

// assembleReport builds the final Markdown document: title, drafted
// sections, and a reference list of the sources actually cited, in the
// requested style. Placeholders that match no collected source stay in the
// text and produce a warning each.
func assembleReport(job model.ResearchJob, sections []model.ResearchSection, sources []source) (string, int, []string) {
	byKey := make(map[string]source, len(sources))
	for _, s := range sources {
		byKey[s.key] = s
	}

	cited := make(map[string]struct{})
	warned := make(map[string]struct{})
	var warnings []string
	for _, sec := range sections {
		for _, m := range citeRef.FindAllStringSubmatch(sec.Content, -1) {
			key := m[1]
			if _, ok := byKey[key]; ok {
				cited[key] = struct{}{}
				continue
			}
			if _, w := warned[key]; !w {
				warned[key] = struct{}{}
				warnings = append(warnings, fmt.Sprintf("citation [%s] matches no collected source", key))
			}
		}
	}

	keys := make([]string, 0, len(cited))
	for k := range cited {
		keys = append(keys, k)
	}
	// A draft that cites nothing still gets a reference list of everything
	// collected.
	if len(keys) == 0 {
		for _, s := range sources {
			keys = append(keys, s.key)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", strings.TrimSpace(job.Topic))
	for _, sec := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sec.Title, strings.TrimSpace(sec.Content))
	}
	if len(keys) > 0 {
		b.WriteString("\n## References\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s\n", formatReference(job.CitationStyle, byKey[k]))
		}
	}
	return b.String(), len(keys), warnings
}

// formatReference renders one reference entry. Recognized styles are apa
// and mla; anything else gets the inline style.
func formatReference(style string, s source) string {
	title := s.result.Title
	if title == "" {
		title = s.result.URL
	}
	switch strings.ToLower(strings.TrimSpace(style)) {
	case "apa":
		return fmt.Sprintf("%s (%d). %s. %s", s.author, s.year, title, s.result.URL)
	case "mla":
		return fmt.Sprintf("%s. %q %d. %s", s.author, title+".", s.year, s.result.URL)
	default:
		return fmt.Sprintf("[%s] %s. %s", s.key, title, s.result.URL)
	}
}

// reportTitle caps the display name of the ingested report document.
func reportTitle(topic string) string {
	title := "Research report: " + strings.TrimSpace(topic)
	if runes := []rune(title); len(runes) > 120 {
		title = string(runes[:117]) + "..."
	}
	return title
}
