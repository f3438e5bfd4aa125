package llm

import "strings"

// price is the cost of one million tokens, in minor units
// (1/10000 dollar, model.MinorUnitsPerDollar).
type price struct {
	input  int64
	output int64
}

// prices maps model tags to per-million-token costs. Keys are matched
// exactly first, then by longest prefix, so dated snapshot tags
// ("claude-sonnet-4-5-20250929") inherit the family price.
var prices = map[string]price{
	"claude-sonnet-4-5": {input: 30_000, output: 150_000}, // $3 / $15 per MTok
	"claude-haiku-4-5":  {input: 10_000, output: 50_000},  // $1 / $5
	"claude-opus-4-1":   {input: 150_000, output: 750_000},
	"claude-3-5-haiku":  {input: 8_000, output: 40_000},

	"gpt-4o":      {input: 25_000, output: 100_000},
	"gpt-4o-mini": {input: 1_500, output: 6_000},
	"gpt-4.1":     {input: 20_000, output: 80_000},

	"text-embedding-3-small": {input: 200, output: 0},
	"text-embedding-3-large": {input: 1_300, output: 0},

	// Local models cost nothing.
	"llama":             {},
	"mistral":           {},
	"mxbai-embed-large": {},
	"nomic-embed-text":  {},
}

// defaultPrice is deliberately expensive so unknown tags overcount spend
// instead of slipping under a budget cap.
var defaultPrice = price{input: 50_000, output: 250_000}

// Cost returns the minor-unit cost of inputTokens+outputTokens against the
// model's price, rounded up so any non-zero usage costs at least one unit.
func Cost(modelTag string, inputTokens, outputTokens int64) int64 {
	p := lookupPrice(modelTag)
	raw := inputTokens*p.input + outputTokens*p.output
	if raw == 0 {
		return 0
	}
	return (raw + 999_999) / 1_000_000
}

func lookupPrice(modelTag string) price {
	if p, ok := prices[modelTag]; ok {
		return p
	}
	var (
		best    price
		bestLen = -1
	)
	for tag, p := range prices {
		if strings.HasPrefix(modelTag, tag) && len(tag) > bestLen {
			best, bestLen = p, len(tag)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return defaultPrice
}
