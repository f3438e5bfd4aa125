package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/model"
)

// Plan is the branch decision for one turn. At most one of the booleans
// is set; all false means a direct answer.
type Plan struct {
	Retrieval bool
	Tabular   bool
	Research  bool

	// BindingID is set when Tabular is.
	BindingID uuid.UUID

	// Research parameters, set when Research is.
	Topic         string
	Depth         model.ResearchDepth
	CitationStyle string
}

// Branch names the chosen branch for logs and metrics.
func (p Plan) Branch() string {
	switch {
	case p.Research:
		return "research"
	case p.Tabular:
		return "tabular"
	case p.Retrieval:
		return "retrieval"
	default:
		return "direct"
	}
}

// aggregationKeywords suggest the question wants computation over bound
// data rather than prose retrieval. Matched as whole words so "sum" does
// not fire inside "summarize".
var aggregationKeywords = []string{
	"how many", "count", "sum", "total", "average", "avg", "median",
	"max", "min", "top", "bottom", "most", "least", "per",
	"group by", "grouped by", "distinct", "between", "greater than",
	"less than", "at least", "at most", "percent", "rate of", "trend",
	"rows", "records",
}

// followUpMarkers catch short questions that lean on a previous tabular
// answer. They only matter while the conversation's follow-up window from
// an earlier tabular turn is open.
var followUpMarkers = []string{
	"what about", "how about", "and what", "and how", "same for",
	"same but", "of those", "from those", "of them", "break that down",
	"break it down", "sort that", "sort them", "now show", "what if",
}

// researchPrefixes trigger the research branch from phrasing alone,
// without an explicit research option on the frame.
var researchPrefixes = []string{
	"research ",
	"write a research report on ",
	"write a report on ",
	"do a deep dive on ",
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if wordBounded(lower, n) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// wordBounded reports whether needle occurs in lower with non-word bytes
// (or the string edges) on both sides. lower must already be lowercased.
func wordBounded(lower, needle string) bool {
	for from := 0; ; {
		i := strings.Index(lower[from:], needle)
		if i < 0 {
			return false
		}
		i += from
		j := i + len(needle)
		if (i == 0 || !isWordByte(lower[i-1])) && (j == len(lower) || !isWordByte(lower[j])) {
			return true
		}
		from = i + 1
	}
}

// planContext is everything decidePlan needs, resolved ahead of time so
// the decision itself stays a pure function.
type planContext struct {
	options       TurnOptions
	hasBinding    bool
	bindingID     uuid.UUID
	hasDocuments  bool
	recentTabular bool
}

// decidePlan implements the branch heuristic. Research wins when asked
// for explicitly or phrased as a directive; tabular wins when a binding is
// attached and the question computes over it (keywords, or a follow-up to
// a recent tabular answer); retrieval wins while text documents exist;
// anything else answers directly.
func decidePlan(content string, pc planContext) Plan {
	lower := strings.ToLower(content)

	if req := pc.options.Research; req != nil {
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			topic = content
		}
		return Plan{Research: true, Topic: topic, Depth: req.Depth, CitationStyle: req.CitationStyle}
	}
	for _, prefix := range researchPrefixes {
		if strings.HasPrefix(lower, prefix) {
			topic := strings.TrimSpace(content[len(prefix):])
			if topic == "" {
				topic = content
			}
			return Plan{Research: true, Topic: topic, Depth: model.DepthStandard}
		}
	}

	if pc.hasBinding {
		if containsAny(lower, aggregationKeywords) ||
			(pc.recentTabular && containsAny(lower, followUpMarkers)) {
			return Plan{Tabular: true, BindingID: pc.bindingID}
		}
	}

	if pc.hasDocuments {
		return Plan{Retrieval: true}
	}
	return Plan{}
}

// buildPlanContext resolves the lookups decidePlan needs: an attached or
// sole active binding, and the conversation's follow-up state. Lookup
// failures degrade to "no binding"; the turn still answers.
func (o *Orchestrator) buildPlanContext(
	ctx context.Context,
	userID, conversationID uuid.UUID,
	opts TurnOptions,
	hasDocuments bool,
) planContext {
	pc := planContext{
		options:       opts,
		hasDocuments:  hasDocuments,
		recentTabular: o.recentTabular(conversationID),
	}
	if o.planner == nil {
		return pc
	}
	if opts.BindingID != nil {
		pc.hasBinding, pc.bindingID = true, *opts.BindingID
		return pc
	}
	bindings, err := o.db.ListTabularBindings(ctx, userID)
	if err != nil {
		o.logger.Warn("orchestrator: list bindings failed", "user_id", userID, "error", err)
		return pc
	}
	for _, b := range bindings {
		if b.Status == model.BindingActive {
			pc.hasBinding, pc.bindingID = true, b.ID
			return pc
		}
	}
	return pc
}
