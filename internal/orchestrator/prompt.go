package orchestrator

import (
	"fmt"
	"strings"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/retrieval"
)

// maxContextRows caps how many result rows reach the prompt; the full
// result still goes to the client on the tool_result frame.
const maxContextRows = 20

// maxResearchExcerptRunes bounds the report excerpt in a research
// summary prompt.
const maxResearchExcerptRunes = 1500

const personaBraid = `You are Braid, an assistant for people who work with their own documents and data. You are direct, warm, and concrete. You never invent sources, numbers, or file contents.`

// personas maps agent tags to system personas. Unknown tags fall back to
// the default so a stale client option cannot blank the persona.
var personas = map[string]string{
	defaultAgentTag: personaBraid,
}

func persona(agentTag string) string {
	if p, ok := personas[agentTag]; ok {
		return p
	}
	return personaBraid
}

const approachRules = `How to answer:
- Lead with the answer, then the supporting detail.
- If the request is vague or ambiguous, say what is unclear and ask. Skip that challenge when the user is processing emotions, stating a preference, sharing who they are, or setting a boundary.
- Use what you remember about the user only when it is directly relevant to the question.
- Cite sources only when the user asks for citations.`

const accuracyRules = `Data accuracy:
- Keep what the provided context says separate from what you add from general knowledge, and make the difference clear when it matters.
- When the context contradicts your general knowledge, the context wins.
- Say plainly when you do not know.`

const accuracyRulesStrict = `Data accuracy (strict):
- Answer only from the provided context blocks and query results.
- If they do not contain the answer, say the uploaded material does not cover it.
- Do not use outside knowledge, even when confident.`

// buildSystem joins the non-empty prompt sections with blank lines,
// preserving the fixed section order the callers pass.
func buildSystem(sections ...string) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func docInventory(docs []model.Document) string {
	if len(docs) == 0 {
		return "The user has no uploaded documents."
	}
	var sb strings.Builder
	sb.WriteString("Uploaded documents:\n")
	for _, d := range docs {
		fmt.Fprintf(&sb, "- %s (%s, %d chunks)\n", d.DisplayName, d.MimeTag, d.ChunkCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// retrievedContext numbers the hits so the reply can reference them as
// [n]; extractCitations resolves the markers back to these positions.
func retrievedContext(hits []retrieval.ScoredChunk) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Retrieved context. Reference a block as [n] when your answer draws on it:\n")
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", i+1, h.DocumentName, strings.TrimSpace(h.Text))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func tabularContext(res model.TabularResult) string {
	var sb strings.Builder
	sb.WriteString("Query result:\nSQL: ")
	sb.WriteString(res.GeneratedSQL)
	fmt.Fprintf(&sb, "\nRows returned: %d", res.RowCount)
	if res.Truncated {
		sb.WriteString(" (truncated)")
	}
	sb.WriteString("\n")
	sb.WriteString(renderTable(res.Columns, res.Rows, maxContextRows))
	sb.WriteString("\nAnswer from these rows. Do not invent values that are not in the result.")
	return sb.String()
}

func renderTable(columns []string, rows [][]any, limit int) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(columns, " | "))
	for i, row := range rows {
		if i == limit {
			fmt.Fprintf(&sb, "\n... %d more rows", len(rows)-limit)
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatCell(v)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.Join(cells, " | "))
	}
	return sb.String()
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// researchContext frames the summary completion after a job finishes.
func researchContext(job model.ResearchJob) string {
	var sb strings.Builder
	sb.WriteString("A research job you ran for the user just completed.\n")
	sb.WriteString("Topic: ")
	sb.WriteString(job.Topic)
	sb.WriteString("\n")
	if len(job.Sections) > 0 {
		sb.WriteString("Sections:\n")
		for _, s := range job.Sections {
			sb.WriteString("- ")
			sb.WriteString(s.Title)
			sb.WriteString("\n")
		}
		excerpt := []rune(job.Sections[0].Content)
		if len(excerpt) > maxResearchExcerptRunes {
			excerpt = excerpt[:maxResearchExcerptRunes]
		}
		sb.WriteString("Opening section excerpt:\n")
		sb.WriteString(string(excerpt))
		sb.WriteString("\n")
	}
	if job.WordCount != nil {
		fmt.Fprintf(&sb, "Report length: about %d words.\n", *job.WordCount)
	}
	sb.WriteString("The full report was saved to the user's documents. Summarize briefly what it covers and what stands out; point the user at the saved report for the rest.")
	return sb.String()
}
