// Package ratelimit throttles how often new fetch sessions hit a site.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/metrics"
)

// Limiter manages per-site token buckets.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for rawURL's host or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	site := metrics.SanitizeSite(rawURL)

	l.mu.Lock()
	limiter, exists := l.limiters[site]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[site] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(site, waited)
	}
	return nil
}

// Factory wraps a SessionFactory so that every new session first waits for a
// token for the target site.
type Factory struct {
	next    crawler.SessionFactory
	limiter *Limiter
	site    string
}

// Wrap decorates next. site is the URL whose host keys the token bucket.
func Wrap(next crawler.SessionFactory, limiter *Limiter, site string) *Factory {
	return &Factory{next: next, limiter: limiter, site: site}
}

// NewSession waits for a token, then delegates.
func (f *Factory) NewSession(ctx context.Context) (crawler.Session, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.site); err != nil {
			return nil, err
		}
	}
	session, err := f.next.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open rate limited session: %w", err)
	}
	return session, nil
}
