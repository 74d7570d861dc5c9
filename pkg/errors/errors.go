// Package errors holds the sentinel errors shared across layers. Callers wrap
// them with fmt.Errorf("%w: ...") and the HTTP layer maps them to status codes.
package errors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
	// ErrExhausted marks a bounded retry loop that ran out of attempts.
	ErrExhausted = errors.New("attempts exhausted")
)
