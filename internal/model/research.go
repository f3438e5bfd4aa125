package model

import (
	"time"

	"github.com/google/uuid"
)

// ResearchDepth selects the total time budget for a research job.
type ResearchDepth string

const (
	DepthQuick    ResearchDepth = "quick"    // 2 minute budget
	DepthStandard ResearchDepth = "standard" // 5 minute budget
	DepthDeep     ResearchDepth = "deep"     // 10 minute budget
)

// ResearchStatus is the lifecycle state of a research job.
// Status is monotonically non-decreasing except pending -> failed.
type ResearchStatus string

const (
	ResearchPending  ResearchStatus = "pending"
	ResearchRunning  ResearchStatus = "running"
	ResearchComplete ResearchStatus = "complete"
	ResearchFailed   ResearchStatus = "failed"
)

// ResearchJob is a long-running multi-source research task. Progress is
// append-only; partial results captured up to a failure remain readable.
type ResearchJob struct {
	ID              uuid.UUID         `json:"id"`
	UserID          uuid.UUID         `json:"user_id"`
	Topic           string            `json:"topic"`
	Depth           ResearchDepth     `json:"depth"`
	CitationStyle   string            `json:"citation_style"`
	Status          ResearchStatus    `json:"status"`
	ProgressPercent int               `json:"progress_percent"`
	PlanOutline     []string          `json:"plan_outline,omitempty"`
	Sections        []ResearchSection `json:"sections,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	WordCount       *int              `json:"word_count,omitempty"`
	FinalDocumentID *uuid.UUID        `json:"final_document_id,omitempty"`
	Error           *string           `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ResearchSection is one drafted section of a research report.
type ResearchSection struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// SourceRef is a source collected during research or cited by a message.
// Either JobID or MessageID references it; a row that loses both referrers
// is orphaned and removed by cleanup.
type SourceRef struct {
	ID               uuid.UUID  `json:"id"`
	JobID            *uuid.UUID `json:"job_id,omitempty"`
	MessageID        *uuid.UUID `json:"message_id,omitempty"`
	UserID           uuid.UUID  `json:"user_id"`
	URL              string     `json:"url"`
	Title            *string    `json:"title,omitempty"`
	Snippet          *string    `json:"snippet,omitempty"`
	CredibilityScore int        `json:"credibility_score"`
	PublisherTag     string     `json:"publisher_tag"`
	RetrievedAt      time.Time  `json:"retrieved_at"`
}
