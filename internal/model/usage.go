package model

import (
	"time"

	"github.com/google/uuid"
)

// Costs are integers in minor units (ten-thousandths of a dollar) to avoid
// floating-point drift: $1.00 == 10000 minor units.
const MinorUnitsPerDollar = 10000

// UsageRecord is the month-to-date spend for one user. Exactly one row
// exists per (user_id, period); Period is formatted "2006-01" in UTC.
type UsageRecord struct {
	UserID    uuid.UUID             `json:"user_id"`
	Period    string                `json:"period"`
	TotalCost int64                 `json:"total_cost"`
	ByModel   map[string]ModelUsage `json:"by_model"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ModelUsage is the per-model slice of a usage record.
type ModelUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Cost         int64 `json:"cost"`
}

// Discipline is a named retrieval policy that sets the post-rerank
// relevance threshold.
type Discipline string

const (
	DisciplineStrict      Discipline = "strict"      // threshold 0.5
	DisciplineModerate    Discipline = "moderate"    // threshold 0.2
	DisciplineExploration Discipline = "exploration" // threshold 0.0
)

// UserSettings holds per-user preferences. Absent settings imply the
// documented defaults (DefaultSettings).
type UserSettings struct {
	UserID            uuid.UUID         `json:"user_id"`
	DefaultModelTag   string            `json:"default_model_tag"`
	PerAgentOverrides map[string]string `json:"per_agent_overrides,omitempty"`
	MonthlyBudget     int64             `json:"monthly_budget"`
	RAGOnly           bool              `json:"rag_only"`
	Discipline        Discipline        `json:"discipline"`
}

// DefaultSettings returns the settings applied when a user has never
// saved any. The budget default is overridable via configuration.
func DefaultSettings(userID uuid.UUID, defaultModel string, defaultBudget int64) UserSettings {
	return UserSettings{
		UserID:          userID,
		DefaultModelTag: defaultModel,
		MonthlyBudget:   defaultBudget,
		RAGOnly:         false,
		Discipline:      DisciplineModerate,
	}
}

// RerankThreshold maps a discipline to its post-rerank score cutoff.
func (d Discipline) RerankThreshold() float32 {
	switch d {
	case DisciplineStrict:
		return 0.5
	case DisciplineModerate:
		return 0.2
	case DisciplineExploration:
		return 0.0
	default:
		return 0.2
	}
}

// Valid reports whether d is a known discipline level.
func (d Discipline) Valid() bool {
	switch d {
	case DisciplineStrict, DisciplineModerate, DisciplineExploration:
		return true
	}
	return false
}
