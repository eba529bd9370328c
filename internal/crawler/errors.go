package crawler

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks configuration problems detected before scheduling.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrCancelled is the failure reason recorded for tasks abandoned by a deadline
// or shutdown.
var ErrCancelled = errors.New("cancelled")

// FetchError wraps any failure raised while fetching a range. Every FetchError
// is treated as transient until the retry budget runs out.
type FetchError struct {
	Range   DateRange
	Attempt int
	Cause   error
}

func (e *FetchError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fetch %s (attempt %d) failed", e.Range, e.Attempt)
	}
	return fmt.Sprintf("fetch %s (attempt %d): %v", e.Range, e.Attempt, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Cause
}
