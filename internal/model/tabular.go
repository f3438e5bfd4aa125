package model

import (
	"time"

	"github.com/google/uuid"
)

// EngineTag identifies the database engine behind a tabular binding.
type EngineTag string

const (
	EnginePostgres EngineTag = "postgres"
	EngineSQLite   EngineTag = "sqlite"
)

// BindingStatus is the lifecycle state of a tabular binding.
type BindingStatus string

const (
	BindingValidating BindingStatus = "validating"
	BindingActive     BindingStatus = "active"
	BindingFailed     BindingStatus = "failed"
)

// TabularBinding is a user-registered external database. Credentials are
// sealed at rest with the process master key and never appear on this
// type; only internal/tabular can open them.
type TabularBinding struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	DisplayName     string          `json:"display_name"`
	EngineTag       EngineTag       `json:"engine_tag"`
	Status          BindingStatus   `json:"status"`
	SchemaSnapshot  *SchemaSnapshot `json:"schema_snapshot,omitempty"`
	LastValidatedAt *time.Time      `json:"last_validated_at,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SchemaSnapshot is an opaque structured summary of a binding's schema,
// captured at validation time. Generated SQL may only reference tables
// present in the snapshot.
type SchemaSnapshot struct {
	Tables     []TableSummary `json:"tables"`
	CapturedAt time.Time      `json:"captured_at"`
}

// TableSummary describes one table in a schema snapshot.
type TableSummary struct {
	Name        string          `json:"name"`
	Columns     []ColumnSummary `json:"columns"`
	RowEstimate *int64          `json:"row_estimate,omitempty"`
}

// ColumnSummary describes one column in a schema snapshot.
type ColumnSummary struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TabularResult is the outcome of executing a generated query.
type TabularResult struct {
	GeneratedSQL string   `json:"generated_sql"`
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowCount     int      `json:"row_count"`
	WallMS       int64    `json:"wall_ms"`
	Truncated    bool     `json:"truncated"`
}

// TabularHistoryEntry records one planner attempt, successful or not.
type TabularHistoryEntry struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	BindingID    uuid.UUID `json:"binding_id"`
	Question     string    `json:"question"`
	GeneratedSQL string    `json:"generated_sql"`
	RowCount     int       `json:"row_count"`
	WallMS       int64     `json:"wall_ms"`
	ErrorKind    *string   `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
