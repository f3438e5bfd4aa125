package research

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The credibility rubric is deterministic: a base of 40 plus bonuses for
// domain class, recency, and scholar-style citation counts, clamped to
// [0,100]. The domain class doubles as the stored publisher tag.

const credibilityBase = 40

var journalHosts = map[string]struct{}{
	"nature.com":        {},
	"science.org":       {},
	"arxiv.org":         {},
	"acm.org":           {},
	"ieee.org":          {},
	"nejm.org":          {},
	"thelancet.com":     {},
	"pnas.org":          {},
	"springer.com":      {},
	"sciencedirect.com": {},
	"jamanetwork.com":   {},
	"plos.org":          {},
}

var newsHosts = map[string]struct{}{
	"reuters.com":        {},
	"apnews.com":         {},
	"bbc.com":            {},
	"bbc.co.uk":          {},
	"nytimes.com":        {},
	"wsj.com":            {},
	"ft.com":             {},
	"economist.com":      {},
	"theguardian.com":    {},
	"bloomberg.com":      {},
	"washingtonpost.com": {},
	"npr.org":            {},
}

var docsHosts = map[string]struct{}{
	"github.com":            {},
	"stackoverflow.com":     {},
	"developer.mozilla.org": {},
	"pkg.go.dev":            {},
	"docs.python.org":       {},
	"kubernetes.io":         {},
}

var blogHosts = map[string]struct{}{
	"medium.com":    {},
	"substack.com":  {},
	"blogspot.com":  {},
	"wordpress.com": {},
	"tumblr.com":    {},
}

// classifyHost maps a hostname to a publisher tag and its rubric bonus.
func classifyHost(host string) (string, int) {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	switch {
	case host == "":
		return "web", 0
	case hasAnySuffix(host, ".gov", ".mil", ".gov.uk", ".europa.eu"):
		return "government", 30
	case hasAnySuffix(host, ".edu", ".ac.uk"):
		return "academic", 28
	case hostMatches(host, journalHosts):
		return "journal", 25
	case hostMatches(host, newsHosts):
		return "news", 18
	case host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org"):
		return "encyclopedia", 15
	case hostMatches(host, docsHosts):
		return "documentation", 12
	case hostMatches(host, blogHosts):
		return "blog", -5
	default:
		return "web", 0
	}
}

func hasAnySuffix(host string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// hostMatches reports whether host equals a candidate or is one of its
// subdomains.
func hostMatches(host string, candidates map[string]struct{}) bool {
	if _, ok := candidates[host]; ok {
		return true
	}
	for c := range candidates {
		if strings.HasSuffix(host, "."+c) {
			return true
		}
	}
	return false
}

var (
	relativeAge = regexp.MustCompile(`(?i)\b(\d+)\s+(minute|hour|day|week|month|year)s?\s+ago\b`)
	yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	citedBy     = regexp.MustCompile(`(?i)\bcited by\s+([\d,]+)`)
)

// recencyBonus derives a freshness bump from the provider-reported
// publication hint. Unparseable hints are neutral.
func recencyBonus(published string, now time.Time) int {
	published = strings.TrimSpace(published)
	if published == "" {
		return 0
	}
	if m := relativeAge.FindStringSubmatch(published); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch strings.ToLower(m[2]) {
		case "minute", "hour", "day", "week":
			return 10
		case "month":
			if n <= 3 {
				return 10
			}
			if n <= 12 {
				return 8
			}
			return 6
		case "year":
			return yearGapBonus(n)
		}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "January 2, 2006", "Jan 2, 2006"} {
		if t, err := time.Parse(layout, published); err == nil {
			return yearGapBonus(yearsBetween(t, now))
		}
	}
	if m := yearPattern.FindString(published); m != "" {
		year, _ := strconv.Atoi(m)
		return yearGapBonus(now.Year() - year)
	}
	return 0
}

func yearsBetween(t, now time.Time) int {
	if t.After(now) {
		return 0
	}
	return int(now.Sub(t).Hours() / (24 * 365))
}

func yearGapBonus(years int) int {
	switch {
	case years <= 0:
		return 10
	case years <= 2:
		return 6
	case years <= 5:
		return 2
	default:
		return -5
	}
}

// citationBonus rewards scholar-style "cited by N" hints in snippets.
func citationBonus(snippet string) int {
	m := citedBy.FindStringSubmatch(snippet)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || n <= 0 {
		return 0
	}
	switch {
	case n >= 1000:
		return 10
	case n >= 100:
		return 8
	case n >= 10:
		return 5
	default:
		return 2
	}
}

// scoreResult rates a hit 0-100 and returns the publisher tag.
func scoreResult(r Result, now time.Time) (int, string) {
	tag, bonus := classifyHost(hostOf(r.URL))
	score := credibilityBase + bonus + recencyBonus(r.PublishedAt, now) + citationBonus(r.Snippet)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, tag
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// normalizeURL reduces a URL to host+path for deduplication. The scheme,
// query, fragment, www prefix, and a trailing slash are all ignored.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimRight(u.EscapedPath(), "/")
}

// Topic classes steer how many results each provider is asked for. Fresh
// topics lean on larger asks because news results churn; academic and
// technical topics get a small bump for depth.
type topicClass string

const (
	topicAcademic  topicClass = "academic"
	topicNews      topicClass = "news"
	topicTechnical topicClass = "technical"
	topicGeneral   topicClass = "general"
)

var topicKeywords = map[topicClass][]string{
	topicAcademic: {
		"research", "study", "studies", "theory", "literature",
		"peer-reviewed", "clinical", "hypothesis", "meta-analysis",
	},
	topicNews: {
		"latest", "news", "recent", "current", "today", "this week",
		"announcement", "election", "market",
	},
	topicTechnical: {
		"api", "protocol", "library", "framework", "architecture",
		"performance", "database", "kubernetes", "compiler", "algorithm",
	},
}

func classifyTopic(topic string) topicClass {
	lower := strings.ToLower(topic)
	for _, class := range []topicClass{topicNews, topicAcademic, topicTechnical} {
		for _, kw := range topicKeywords[class] {
			if strings.Contains(lower, kw) {
				return class
			}
		}
	}
	return topicGeneral
}

// providerAsk sizes the per-provider request so that the per-subtopic
// source budget is covered even when one provider returns nothing.
func providerAsk(class topicClass, perSubtopic, numProviders int) int {
	if numProviders < 1 {
		numProviders = 1
	}
	ask := (perSubtopic + numProviders - 1) / numProviders
	switch class {
	case topicNews:
		ask += 2
	case topicAcademic, topicTechnical:
		ask++
	}
	if ask > 10 {
		ask = 10
	}
	return ask
}
