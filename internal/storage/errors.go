package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist or is
	// owned by a different user. The two cases are deliberately
	// indistinguishable to callers.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint, e.g. re-ingesting a document that is already ready.
	ErrConflict = errors.New("storage: conflict")

	// ErrScopeViolation indicates a query method was invoked without an
	// owning user ID. This is a programming error, never user input.
	ErrScopeViolation = errors.New("storage: query not scoped to a user")
)
