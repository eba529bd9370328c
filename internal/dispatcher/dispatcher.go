// Package dispatcher fans range tasks out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/metrics"
)

// TaskRunner drives one task to a terminal outcome.
type TaskRunner interface {
	Run(ctx context.Context, task crawler.Task) crawler.Outcome
}

// Dispatcher runs tasks with at most maxWorkers in flight.
type Dispatcher struct {
	runner     TaskRunner
	maxWorkers int
	logger     *zap.Logger
}

// New creates a Dispatcher. maxWorkers below one is treated as one.
func New(runner TaskRunner, maxWorkers int, logger *zap.Logger) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:     runner,
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// Start submits every task and returns a channel that yields exactly one
// Result per task in completion order. The channel is closed once all tasks
// have delivered. Tasks that have not started when ctx ends are reported as
// cancelled without being run.
func (d *Dispatcher) Start(ctx context.Context, tasks []crawler.Task) <-chan crawler.Result {
	results := make(chan crawler.Result, len(tasks))

	g := new(errgroup.Group)
	g.SetLimit(d.maxWorkers)

	go func() {
		defer close(results)
		for _, task := range tasks {
			g.Go(func() error {
				results <- crawler.Result{Task: task, Outcome: d.execute(ctx, task)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	d.logger.Info("dispatching tasks", zap.Int("tasks", len(tasks)), zap.Int("max_workers", d.maxWorkers))
	return results
}

// RunAll is Start followed by a drain that calls handle for every result on
// the caller's goroutine.
func (d *Dispatcher) RunAll(ctx context.Context, tasks []crawler.Task, handle func(crawler.Result)) {
	for res := range d.Start(ctx, tasks) {
		if handle != nil {
			handle(res)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, task crawler.Task) (out crawler.Outcome) {
	if ctx.Err() != nil {
		metrics.ObserveTask(metrics.StatusCancelled, 0, 0)
		return crawler.Failure(crawler.ErrCancelled.Error(), 0)
	}

	metrics.IncActiveWorkers()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task runner panicked", zap.Int("task_id", task.ID), zap.Any("panic", r))
			out = crawler.Failure(fmt.Sprintf("task panic: %v", r), out.Attempts)
		}
		metrics.DecActiveWorkers()
		metrics.ObserveTask(status(out), len(out.Records), time.Since(start))
	}()

	return d.runner.Run(ctx, task)
}

func status(out crawler.Outcome) string {
	switch {
	case out.Succeeded():
		return metrics.StatusSuccess
	case out.Err == crawler.ErrCancelled.Error():
		return metrics.StatusCancelled
	default:
		return metrics.StatusFailure
	}
}
