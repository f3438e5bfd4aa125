package research

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHost(t *testing.T) {
	cases := []struct {
		host  string
		tag   string
		bonus int
	}{
		{"www.nih.gov", "government", 30},
		{"data.gov.uk", "government", 30},
		{"ocw.mit.edu", "academic", 28},
		{"nature.com", "journal", 25},
		{"blogs.nature.com", "journal", 25},
		{"reuters.com", "news", 18},
		{"en.wikipedia.org", "encyclopedia", 15},
		{"github.com", "documentation", 12},
		{"medium.com", "blog", -5},
		{"someone.medium.com", "blog", -5},
		{"example.org", "web", 0},
		{"", "web", 0},
	}
	for _, tc := range cases {
		tag, bonus := classifyHost(tc.host)
		assert.Equal(t, tc.tag, tag, tc.host)
		assert.Equal(t, tc.bonus, bonus, tc.host)
	}
}

func TestRecencyBonus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		published string
		want      int
	}{
		{"", 0},
		{"2 days ago", 10},
		{"3 weeks ago", 10},
		{"2 months ago", 10},
		{"8 months ago", 8},
		{"14 months ago", 6},
		{"1 year ago", 6},
		{"4 years ago", 2},
		{"10 years ago", -5},
		{"2025-05-20", 10},
		{"March 3, 2019", -5},
		{"2024", 6},
		{"no date here", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, recencyBonus(tc.published, now), tc.published)
	}
}

func TestCitationBonus(t *testing.T) {
	assert.Equal(t, 0, citationBonus(""))
	assert.Equal(t, 0, citationBonus("a paper about citations"))
	assert.Equal(t, 10, citationBonus("Cited by 1,200"))
	assert.Equal(t, 8, citationBonus("cited by 150 works"))
	assert.Equal(t, 5, citationBonus("Cited by 12 sources"))
	assert.Equal(t, 2, citationBonus("cited by 3"))
}

func TestScoreResult(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	score, tag := scoreResult(Result{
		URL:         "https://www.nih.gov/report",
		Snippet:     "Cited by 2,000 publications.",
		PublishedAt: "2 days ago",
	}, now)
	assert.Equal(t, 90, score)
	assert.Equal(t, "government", tag)

	score, tag = scoreResult(Result{
		URL:         "https://someone.medium.com/post",
		PublishedAt: "9 years ago",
	}, now)
	assert.Equal(t, 30, score)
	assert.Equal(t, "blog", tag)

	score, tag = scoreResult(Result{URL: "https://example.org/page"}, now)
	assert.Equal(t, 40, score)
	assert.Equal(t, "web", tag)

	// Scores always land in [0,100].
	for _, r := range []Result{
		{URL: "https://www.nih.gov/a", Snippet: "cited by 9,999", PublishedAt: "1 hour ago"},
		{URL: "https://x.medium.com/b", PublishedAt: "20 years ago"},
	} {
		s, _ := scoreResult(r, now)
		assert.GreaterOrEqual(t, s, 0)
		assert.LessOrEqual(t, s, 100)
	}
}

func TestNormalizeURL(t *testing.T) {
	same := []string{
		"https://www.Example.com/path/",
		"http://example.com/path",
		"https://example.com/path?q=1#frag",
	}
	want := "example.com/path"
	for _, raw := range same {
		assert.Equal(t, want, normalizeURL(raw), raw)
	}

	assert.Equal(t, "example.com", normalizeURL("https://example.com/"))
	assert.Equal(t, "example.com:8080/x", normalizeURL("https://example.com:8080/x"))
	assert.Equal(t, "not a url", normalizeURL("Not A URL"))
	assert.NotEqual(t, normalizeURL("https://example.com/a"), normalizeURL("https://example.com/b"))
}

func TestClassifyTopic(t *testing.T) {
	assert.Equal(t, topicNews, classifyTopic("latest market moves this week"))
	assert.Equal(t, topicAcademic, classifyTopic("peer-reviewed studies on sleep"))
	assert.Equal(t, topicTechnical, classifyTopic("database performance tuning"))
	assert.Equal(t, topicGeneral, classifyTopic("the history of coffee"))
}

func TestProviderAsk(t *testing.T) {
	assert.Equal(t, 3, providerAsk(topicGeneral, 5, 2))
	assert.Equal(t, 5, providerAsk(topicNews, 5, 2))
	assert.Equal(t, 3, providerAsk(topicAcademic, 6, 3))
	assert.Equal(t, 9, providerAsk(topicTechnical, 8, 1))
	assert.Equal(t, 10, providerAsk(topicNews, 10, 1), "asks cap at 10")
	assert.Equal(t, 5, providerAsk(topicGeneral, 5, 0), "zero providers treated as one")
}
