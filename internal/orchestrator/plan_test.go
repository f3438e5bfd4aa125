package orchestrator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/braidhq/braid/internal/model"
)

func TestDecidePlanDirectWhenNothingAttached(t *testing.T) {
	p := decidePlan("hello there", planContext{})
	assert.Equal(t, "direct", p.Branch())
	assert.False(t, p.Retrieval)
	assert.False(t, p.Tabular)
	assert.False(t, p.Research)
}

func TestDecidePlanRetrievalWhenDocumentsExist(t *testing.T) {
	p := decidePlan("what does the onboarding doc say about laptops", planContext{hasDocuments: true})
	assert.True(t, p.Retrieval)
	assert.Equal(t, "retrieval", p.Branch())
}

func TestDecidePlanTabularBeatsRetrievalOnAggregation(t *testing.T) {
	id := uuid.New()
	pc := planContext{hasBinding: true, bindingID: id, hasDocuments: true}
	p := decidePlan("how many orders shipped last week", pc)
	assert.True(t, p.Tabular)
	assert.False(t, p.Retrieval)
	assert.Equal(t, id, p.BindingID)
	assert.Equal(t, "tabular", p.Branch())
}

func TestDecidePlanBindingWithoutKeywordsFallsThrough(t *testing.T) {
	pc := planContext{hasBinding: true, bindingID: uuid.New(), hasDocuments: true}
	p := decidePlan("walk me through the contract", pc)
	assert.False(t, p.Tabular)
	assert.True(t, p.Retrieval)
}

func TestDecidePlanKeywordsAreWordBounded(t *testing.T) {
	pc := planContext{hasBinding: true, bindingID: uuid.New()}
	assert.False(t, decidePlan("summarize the quarterly report", pc).Tabular)
	assert.False(t, decidePlan("close my account", pc).Tabular)
	assert.True(t, decidePlan("what is the sum of march invoices", pc).Tabular)
	assert.True(t, decidePlan("revenue per region please", pc).Tabular)
}

func TestDecidePlanFollowUpNeedsRecentTabular(t *testing.T) {
	pc := planContext{hasBinding: true, bindingID: uuid.New()}
	assert.False(t, decidePlan("what about just europe", pc).Tabular)

	pc.recentTabular = true
	p := decidePlan("what about just europe", pc)
	assert.True(t, p.Tabular)
	assert.Equal(t, pc.bindingID, p.BindingID)
}

func TestDecidePlanResearchPrefix(t *testing.T) {
	p := decidePlan("Research the history of the Hanseatic League", planContext{hasDocuments: true})
	assert.True(t, p.Research)
	assert.Equal(t, "the history of the Hanseatic League", p.Topic)
	assert.Equal(t, model.DepthStandard, p.Depth)
	assert.Equal(t, "research", p.Branch())
}

func TestDecidePlanResearchOptionWins(t *testing.T) {
	pc := planContext{
		hasBinding:   true,
		bindingID:    uuid.New(),
		hasDocuments: true,
		options: TurnOptions{Research: &ResearchRequest{
			Topic:         "  ",
			Depth:         model.DepthDeep,
			CitationStyle: "apa",
		}},
	}
	p := decidePlan("how many panels can be recycled per year", pc)
	assert.True(t, p.Research)
	assert.False(t, p.Tabular)
	assert.Equal(t, "how many panels can be recycled per year", p.Topic)
	assert.Equal(t, model.DepthDeep, p.Depth)
	assert.Equal(t, "apa", p.CitationStyle)
}

func TestDecidePlanResearchingDoesNotTrigger(t *testing.T) {
	p := decidePlan("researching this on my own later", planContext{})
	assert.False(t, p.Research)
}

func TestWordBounded(t *testing.T) {
	assert.True(t, wordBounded("the sum of all fears", "sum"))
	assert.True(t, wordBounded("sum it up", "sum"))
	assert.True(t, wordBounded("give me the sum", "sum"))
	assert.False(t, wordBounded("summarize this", "sum"))
	assert.False(t, wordBounded("a lump sums4 thing", "sum"))
	assert.True(t, wordBounded("group by region please", "group by"))
	assert.False(t, wordBounded("subgroup by region", "group by"))
}

func TestRecentTabularWindow(t *testing.T) {
	base := time.Date(2026, time.March, 16, 10, 0, 0, 0, time.UTC)
	now := base
	o := &Orchestrator{
		lastTabular: make(map[uuid.UUID]time.Time),
		now:         func() time.Time { return now },
	}
	conv := uuid.New()
	assert.False(t, o.recentTabular(conv))

	o.markTabular(conv)
	now = base.Add(10 * time.Minute)
	assert.True(t, o.recentTabular(conv))

	now = base.Add(16 * time.Minute)
	assert.False(t, o.recentTabular(conv))
}
