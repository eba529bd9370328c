// Package backfill runs one partitioned backfill from planning to report.
//
// A run partitions the configured span, optionally drops ranges an earlier
// run already finished, fans the remaining ranges out to a bounded pool of
// executors, folds every outcome into an aggregator in completion order, and
// checkpoints the aggregate periodically and once at the end. The run always
// produces a Report, even when ranges fail or the deadline passes.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/aggregator"
	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/dispatcher"
	"github.com/JakeFAU/econ-calendar-crawler/internal/worker"
)

const finalizeTimeout = 2 * time.Minute

// ErrAlreadyRun is returned when Run is called twice on one Engine.
var ErrAlreadyRun = errors.New("engine already ran")

// Config describes one run.
type Config struct {
	Range              crawler.DateRange
	ChunkDays          int
	MaxWorkers         int
	MaxAttempts        int
	BaseDelay          time.Duration
	CheckpointInterval int
	// Deadline bounds the whole run. Zero means no deadline.
	Deadline time.Duration
	// ResumeFrom names an earlier run whose manifest seeds this one.
	ResumeFrom string
	// OnlyFailed restricts a resumed run to the earlier run's failed ranges.
	OnlyFailed  bool
	ReportTopic string
}

// ReportWriter persists the completion report next to the checkpoints.
type ReportWriter interface {
	WriteReport(ctx context.Context, report crawler.Report) (string, error)
}

// Deps are the collaborators of an Engine. Sessions, Sink, Clock and IDs
// are required; the rest are optional.
type Deps struct {
	Sessions  crawler.SessionFactory
	Policy    crawler.RetryPolicy
	Sink      checkpoint.Sink
	Manifests crawler.ManifestStore
	Reports   ReportWriter
	Publisher crawler.Publisher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Engine executes a single backfill run.
type Engine struct {
	cfg    Config
	deps   Deps
	runID  string
	agg    *aggregator.Aggregator
	tasks  atomic.Int64
	ran    atomic.Bool
	logger *zap.Logger

	mu     sync.Mutex
	report *crawler.Report
}

// New validates cfg and deps and allocates a run ID.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Sessions == nil {
		return nil, errors.New("session factory is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("checkpoint sink is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.ResumeFrom != "" && deps.Manifests == nil {
		return nil, fmt.Errorf("%w: resuming requires a manifest store", crawler.ErrInvalidConfig)
	}
	if deps.Policy == nil {
		deps.Policy = crawler.NewLinearRetryPolicy(cfg.BaseDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runID, err := deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	return &Engine{
		cfg:    cfg,
		deps:   deps,
		runID:  runID,
		agg:    aggregator.New(),
		logger: logger.With(zap.String("run_id", runID)),
	}, nil
}

func (c Config) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", crawler.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Range.Start.After(c.Range.End):
		return invalid("start %s is after end %s", c.Range.Start.Format(crawler.DateLayout), c.Range.End.Format(crawler.DateLayout))
	case c.ChunkDays <= 0:
		return invalid("chunk days must be > 0, got %d", c.ChunkDays)
	case c.MaxWorkers <= 0:
		return invalid("max workers must be > 0, got %d", c.MaxWorkers)
	case c.MaxAttempts <= 0:
		return invalid("max attempts must be > 0, got %d", c.MaxAttempts)
	case c.BaseDelay < 0:
		return invalid("base delay must be >= 0, got %s", c.BaseDelay)
	case c.CheckpointInterval < 0:
		return invalid("checkpoint interval must be >= 0, got %d", c.CheckpointInterval)
	case c.Deadline < 0:
		return invalid("deadline must be >= 0, got %s", c.Deadline)
	case c.OnlyFailed && c.ResumeFrom == "":
		return invalid("only-failed requires a run to resume from")
	}
	return nil
}

// RunID returns the identifier of this run.
func (e *Engine) RunID() string {
	return e.runID
}

// Tasks returns the number of tasks scheduled, or zero before planning.
func (e *Engine) Tasks() int {
	return int(e.tasks.Load())
}

// Progress returns live counters for the run.
func (e *Engine) Progress() aggregator.Progress {
	return e.agg.Progress()
}

// Failed returns the ranges that have failed so far.
func (e *Engine) Failed() []crawler.FailedRange {
	return e.agg.Failed()
}

// Report returns the completion report once Run has returned.
func (e *Engine) Report() (crawler.Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.report == nil {
		return crawler.Report{}, false
	}
	return *e.report, true
}

// Plan returns the ranges this run would execute and the ranges carried over
// from the run being resumed.
func (e *Engine) Plan(ctx context.Context) (pending, carried []crawler.DateRange, err error) {
	all := crawler.Partition(e.cfg.Range.Start, e.cfg.Range.End, e.cfg.ChunkDays)
	if e.cfg.ResumeFrom == "" {
		return all, nil, nil
	}

	manifest, err := e.deps.Manifests.LoadManifest(ctx, e.cfg.ResumeFrom)
	if err != nil {
		return nil, nil, fmt.Errorf("load manifest of run %s: %w", e.cfg.ResumeFrom, err)
	}
	carried = crawler.Only(all, manifest.Succeeded)
	if e.cfg.OnlyFailed {
		failed := make([]crawler.DateRange, 0, len(manifest.Failed))
		for _, f := range manifest.Failed {
			failed = append(failed, f.Range)
		}
		return crawler.Only(all, failed), carried, nil
	}
	return crawler.Pending(all, manifest.Succeeded), carried, nil
}

// Run executes the backfill and returns its report. Per-range failures and
// an expired deadline are reported as data; errors are returned only for
// problems detected before any task is scheduled.
func (e *Engine) Run(ctx context.Context) (crawler.Report, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return crawler.Report{}, ErrAlreadyRun
	}
	started := e.deps.Clock.Now()

	pending, carried, err := e.Plan(ctx)
	if err != nil {
		return crawler.Report{}, err
	}
	e.agg.Seed(carried)
	tasks := crawler.NewTasks(pending)
	e.tasks.Store(int64(len(tasks)))

	e.logger.Info("backfill started",
		zap.Stringer("span", e.cfg.Range),
		zap.Int("chunk_days", e.cfg.ChunkDays),
		zap.Int("tasks", len(tasks)),
		zap.Int("carried_over", len(carried)),
		zap.Int("max_workers", e.cfg.MaxWorkers),
		zap.Int("max_attempts", e.cfg.MaxAttempts),
		zap.String("resume_from", e.cfg.ResumeFrom),
	)

	writer := checkpoint.NewWriter(e.agg, e.deps.Sink, e.deps.Clock, checkpoint.Config{
		RunID:    e.runID,
		Interval: e.cfg.CheckpointInterval,
	}, e.logger.Named("checkpoint"))

	e.execute(ctx, tasks, writer)

	// The final checkpoint outlives cancellation of ctx.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := writer.Final(finalCtx); err != nil {
		e.logger.Warn("final checkpoint not persisted", zap.Error(err))
	}

	report := e.buildReport(started, len(tasks), len(carried), writer.Written())
	e.mu.Lock()
	e.report = &report
	e.mu.Unlock()

	e.logReport(report)
	e.publish(finalCtx, report)
	return report, nil
}

func (e *Engine) execute(ctx context.Context, tasks []crawler.Task, writer *checkpoint.Writer) {
	runCtx := ctx
	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	executor := worker.New(e.deps.Sessions, e.deps.Policy, worker.Config{MaxAttempts: e.cfg.MaxAttempts}, e.logger.Named("worker"))
	pool := dispatcher.New(executor, e.cfg.MaxWorkers, e.logger.Named("dispatcher"))

	checkpointCtx := context.WithoutCancel(ctx)
	for res := range pool.Start(runCtx, tasks) {
		completed, changed := e.agg.RecordOutcome(res)
		if !changed {
			e.logger.Warn("duplicate outcome ignored", zap.Int("task_id", res.Task.ID), zap.Stringer("range", res.Task.Range))
			continue
		}
		e.logger.Debug("task completed",
			zap.Int("task_id", res.Task.ID),
			zap.Stringer("range", res.Task.Range),
			zap.Bool("succeeded", res.Outcome.Succeeded()),
			zap.Int("attempts", res.Outcome.Attempts),
			zap.Int("completed", completed),
			zap.Int("of", len(tasks)),
		)
		writer.MaybeCheckpoint(checkpointCtx, completed)
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		e.logger.Warn("run deadline reached", zap.Duration("deadline", e.cfg.Deadline))
	}
}

func (e *Engine) buildReport(started time.Time, tasks, carried, checkpoints int) crawler.Report {
	finished := e.deps.Clock.Now()
	elapsed := finished.Sub(started)
	p := e.agg.Progress()

	var rate float64
	if elapsed > 0 {
		rate = float64(p.TotalRecords) / elapsed.Seconds()
	}
	return crawler.Report{
		RunID:            e.runID,
		Started:          started,
		Finished:         finished,
		Elapsed:          elapsed,
		Tasks:            tasks,
		TotalRecords:     p.TotalRecords,
		Succeeded:        p.Succeeded,
		Skipped:          carried,
		Failed:           e.agg.Failed(),
		Cancelled:        p.Cancelled,
		Checkpoints:      checkpoints,
		RecordsPerSecond: rate,
	}
}

func (e *Engine) logReport(r crawler.Report) {
	e.logger.Info("backfill finished",
		zap.Int("tasks", r.Tasks),
		zap.Int("total_records", r.TotalRecords),
		zap.Int("succeeded_ranges", r.Succeeded),
		zap.Int("skipped_ranges", r.Skipped),
		zap.Int("failed_ranges", len(r.Failed)),
		zap.Int("cancelled_ranges", r.Cancelled),
		zap.Int("checkpoints", r.Checkpoints),
		zap.Duration("elapsed", r.Elapsed),
		zap.Float64("records_per_second", r.RecordsPerSecond),
	)
	for _, f := range r.Failed {
		e.logger.Warn("range failed", zap.Stringer("range", f.Range), zap.String("reason", f.Reason))
	}
}

// publish is best-effort.
func (e *Engine) publish(ctx context.Context, report crawler.Report) {
	if e.deps.Reports != nil {
		location, err := e.deps.Reports.WriteReport(ctx, report)
		if err != nil {
			e.logger.Error("write report failed", zap.Error(err))
		} else {
			e.logger.Info("report written", zap.String("location", location))
		}
	}
	if e.deps.Publisher != nil && e.cfg.ReportTopic != "" {
		id, err := e.deps.Publisher.Publish(ctx, e.cfg.ReportTopic, report)
		if err != nil {
			e.logger.Error("publish report failed", zap.String("topic", e.cfg.ReportTopic), zap.Error(err))
			return
		}
		e.logger.Info("report published", zap.String("topic", e.cfg.ReportTopic), zap.String("message_id", id))
	}
}
