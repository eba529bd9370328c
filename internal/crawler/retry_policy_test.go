package crawler

import (
	"testing"
	"time"
)

func TestLinearRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewLinearRetryPolicy(time.Second)
	tests := []struct {
		attempt, max int
		want         bool
	}{
		{1, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{1, 1, false},
		{1, 0, true},
		{3, 0, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attempt, tt.max); got != tt.want {
			t.Fatalf("ShouldRetry(%d, %d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestLinearRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewLinearRetryPolicy(2 * time.Second)
	if got := p.Backoff(0); got != 0 {
		t.Fatalf("expected zero backoff before first attempt, got %v", got)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		want := time.Duration(attempt) * 2 * time.Second
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestLinearRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewLinearRetryPolicy(-1)
	if got := p.Backoff(1); got != DefaultBaseDelay {
		t.Fatalf("expected default base delay, got %v", got)
	}
	if got := NewLinearRetryPolicy(0).Backoff(3); got != 0 {
		t.Fatalf("expected zero delay to be honoured, got %v", got)
	}
}
