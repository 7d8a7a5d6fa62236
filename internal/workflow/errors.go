package workflow

import (
	"errors"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
)

var (
	ErrNotFound               = errors.New("workflow: work item not found")
	ErrInvalidInput           = errors.New("workflow: invalid input")
	ErrOutOfOrderTransition   = errors.New("workflow: out of order transition")
	ErrTemplateMismatch       = errors.New("workflow: template mismatch")
	ErrNoActiveBundle         = errors.New("workflow: no active bundle")
	ErrConcurrentModification = errors.New("workflow: concurrent modification")

	// ErrUnauthorized is the resolver's denial, shared with package auth.
	ErrUnauthorized = auth.ErrUnauthorized
)

// Retryable reports whether the caller should re-fetch and retry. Lost bundle
// races count too.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, bundle.ErrConflict)
}
