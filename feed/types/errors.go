package types

import "errors"

// Error taxonomy shared across the feeder. Callers wrap these sentinels
// with context via fmt.Errorf("...: %w", err) and branch with errors.Is.
var (
	// ErrValidation marks input that violates a documented constraint.
	// Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a key that does not resolve against the
	// reference tables.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a dependency failure (database unavailable,
	// socket drop, rate limit) that was retried internally and exhausted
	// its attempts.
	ErrTransient = errors.New("transient dependency failure")

	// ErrNotRecoverable marks a backfill request for a data kind that has
	// no historical source.
	ErrNotRecoverable = errors.New("no historical source for data kind")

	// ErrConnectionLimit is returned when the fan-out registry is at its
	// connection ceiling.
	ErrConnectionLimit = errors.New("connection limit reached")
)
