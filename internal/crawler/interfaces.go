package crawler

import (
	"context"
	"io"
	"time"
)

// Session is one isolated fetch session (for example a dedicated browser).
// A session is used by exactly one task attempt and closed afterwards.
type Session interface {
	Fetch(ctx context.Context, r DateRange) ([]Record, error)
	Close() error
}

// SessionFactory opens fresh sessions. Implementations must be safe for
// concurrent use; the sessions they return must not share mutable state.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context) (Session, error)

// NewSession calls f.
func (f SessionFactoryFunc) NewSession(ctx context.Context) (Session, error) {
	return f(ctx)
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(attempt, maxAttempts int) bool
	Backoff(attempt int) time.Duration
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces content digests for checkpoint artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ManifestStore reads back the latest manifest of a run so it can be resumed.
type ManifestStore interface {
	LoadManifest(ctx context.Context, runID string) (Manifest, error)
}
