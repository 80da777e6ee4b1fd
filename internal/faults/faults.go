// Package faults classifies handler errors for the queue's retry accounting.
// Transient errors (the default) are retried per queue backoff policy;
// validation errors, dependency failures, and wait timeouts are terminal on
// first occurrence.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input: missing required field, unsupported
	// file type, malformed scene config. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrDependency marks an upstream entity this job depends on having
	// failed. Never retried; the upstream message is propagated.
	ErrDependency = errors.New("dependency failed")

	// ErrWaitTimeout marks a dependency wait that exhausted its window.
	// Never retried: a retry would double the configured timeout.
	ErrWaitTimeout = errors.New("wait timed out")
)

// Validationf builds a non-retryable validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Dependency wraps an upstream failure so it is not retried.
func Dependency(err error) error {
	return fmt.Errorf("%w: %w", ErrDependency, err)
}

// Retryable reports whether the queue should schedule another attempt.
func Retryable(err error) bool {
	return !errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrDependency) &&
		!errors.Is(err, ErrWaitTimeout)
}
