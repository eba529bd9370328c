// Package worker runs a single range task to a terminal outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/metrics"
)

// Config controls Executor behavior.
type Config struct {
	MaxAttempts int
}

// Executor fetches one range, retrying failed attempts per the RetryPolicy.
// Every attempt gets a fresh session which is closed before the next attempt
// starts or before Run returns.
type Executor struct {
	sessions crawler.SessionFactory
	policy   crawler.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Executor.
func New(sessions crawler.SessionFactory, policy crawler.RetryPolicy, cfg Config, logger *zap.Logger) *Executor {
	if policy == nil {
		policy = crawler.NewLinearRetryPolicy(crawler.DefaultBaseDelay)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sessions: sessions,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes task until it succeeds, exhausts its attempts, or ctx ends.
// It always returns exactly one outcome and never panics.
func (e *Executor) Run(ctx context.Context, task crawler.Task) crawler.Outcome {
	log := e.logger.With(zap.Int("task_id", task.ID), zap.Stringer("range", task.Range))

	for task.Attempt = 1; ; task.Attempt++ {
		if ctx.Err() != nil {
			return crawler.Failure(crawler.ErrCancelled.Error(), task.Attempt-1)
		}

		log.Debug("fetch attempt started", zap.Int("attempt", task.Attempt))
		records, err := e.attempt(ctx, task)
		if err == nil {
			metrics.ObserveFetchAttempt(metrics.StatusSuccess)
			if len(records) == 0 {
				log.Warn("range returned zero records", zap.Int("attempt", task.Attempt))
			}
			log.Info("range fetched", zap.Int("attempt", task.Attempt), zap.Int("records", len(records)))
			return crawler.Success(records, task.Attempt)
		}
		metrics.ObserveFetchAttempt(metrics.StatusFailure)

		if ctx.Err() != nil {
			log.Warn("range abandoned", zap.Int("attempt", task.Attempt), zap.Error(err))
			return crawler.Failure(crawler.ErrCancelled.Error(), task.Attempt)
		}
		if !e.policy.ShouldRetry(task.Attempt, e.cfg.MaxAttempts) {
			log.Error("range failed, attempts exhausted", zap.Int("attempts", task.Attempt), zap.Error(err))
			return crawler.Failure(failureReason(err), task.Attempt)
		}

		wait := e.policy.Backoff(task.Attempt)
		log.Warn("fetch attempt failed, retrying",
			zap.Int("attempt", task.Attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return crawler.Failure(crawler.ErrCancelled.Error(), task.Attempt)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, task crawler.Task) (records []crawler.Record, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = &crawler.FetchError{Range: task.Range, Attempt: task.Attempt, Cause: fmt.Errorf("session panic: %v", r)}
		}
	}()

	if e.sessions == nil {
		return nil, &crawler.FetchError{Range: task.Range, Attempt: task.Attempt, Cause: errors.New("no session factory configured")}
	}
	session, err := e.sessions.NewSession(attemptCtx)
	if err != nil {
		return nil, &crawler.FetchError{Range: task.Range, Attempt: task.Attempt, Cause: fmt.Errorf("open session: %w", err)}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			e.logger.Warn("close session failed",
				zap.Int("task_id", task.ID),
				zap.Int("attempt", task.Attempt),
				zap.Error(cerr),
			)
		}
	}()

	records, err = session.Fetch(attemptCtx, task.Range)
	if err != nil {
		return nil, &crawler.FetchError{Range: task.Range, Attempt: task.Attempt, Cause: err}
	}
	return records, nil
}

func failureReason(err error) string {
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.Cause != nil {
		return fe.Cause.Error()
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
