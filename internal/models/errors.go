package models

import (
	"errors"
	"sort"
	"strings"
)

var (
	// Not found errors.
	ErrNotFound       = errors.New("not found")
	ErrSenderNotFound = notFound("sender not found")
	ErrJobNotFound    = notFound("email job not found")

	// Conflict errors.
	ErrAlreadySent = errors.New("cannot cancel a sent email")

	// Batch errors.
	ErrEmptyBatch = errors.New("no valid records found")

	// State errors.
	ErrTerminal       = errors.New("job is in a terminal status")
	ErrSenderInactive = errors.New("sender is inactive")
)

type notFoundError struct{ msg string }

func notFound(msg string) error { return &notFoundError{msg: msg} }

func (e *notFoundError) Error() string        { return e.msg }
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError describes a rejected request. No state is mutated when it
// is returned.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, m := range e.Fields {
		parts = append(parts, f+": "+m)
	}
	sort.Strings(parts)
	return "invalid request: " + strings.Join(parts, "; ")
}
