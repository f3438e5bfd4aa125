// Package tabular turns natural-language questions into guarded SQL against
// user-bound external databases.
//
// A binding holds a sealed credential plus a schema snapshot captured at
// validation time. The planner generates a single SELECT from the snapshot,
// statically validates it, executes it read-only under a statement timeout,
// and records a history row for every attempt whether or not it succeeded.
package tabular

import "fmt"

// FailureKind classifies why a planner attempt produced no result.
type FailureKind string

const (
	// FailGenerationInvalid means the model output contained no usable
	// SELECT statement.
	FailGenerationInvalid FailureKind = "generation_invalid"
	// FailValidationRejected means the generated SQL was syntactically
	// usable but violated a guard (write keyword, unknown table,
	// multiple statements).
	FailValidationRejected FailureKind = "validation_rejected"
	// FailExecutionTimeout means the statement hit the execution deadline.
	FailExecutionTimeout FailureKind = "execution_timeout"
	// FailExecutionError means the bound database rejected the statement.
	FailExecutionError FailureKind = "execution_error"
	// FailConnectionError means the bound database could not be reached
	// or the binding is not in a runnable state.
	FailConnectionError FailureKind = "connection_error"
)

// Failure is a classified planner error. Callers unwrap it with errors.As to
// branch on Kind; Reason is safe to surface to the user.
type Failure struct {
	Kind   FailureKind
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("tabular: %s: %s", f.Kind, f.Reason)
}

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
