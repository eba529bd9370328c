package crawler

import "time"

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// LinearRetryPolicy waits attempt*baseDelay before each retry.
type LinearRetryPolicy struct {
	baseDelay time.Duration
}

// NewLinearRetryPolicy builds a policy; a negative delay selects the default.
func NewLinearRetryPolicy(baseDelay time.Duration) *LinearRetryPolicy {
	if baseDelay < 0 {
		baseDelay = DefaultBaseDelay
	}
	return &LinearRetryPolicy{baseDelay: baseDelay}
}

// ShouldRetry reports whether another attempt is permitted after attempt
// (1-based) failed.
func (p *LinearRetryPolicy) ShouldRetry(attempt, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return attempt < maxAttempts
}

// Backoff returns the wait before the attempt following attempt.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(attempt) * p.baseDelay
}
