package model

import "fmt"

// ValidationError marks caller-fixable input problems. Reason carries no
// implementation detail and is safe to return to the client verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Invalidf builds a ValidationError the way fmt.Errorf builds errors.
func Invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
