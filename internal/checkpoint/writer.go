package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/metrics"
)

// DefaultInterval is the number of completed tasks between periodic checkpoints.
const DefaultInterval = 5

// Sink persists one checkpoint and returns the location of its manifest.
type Sink interface {
	Write(ctx context.Context, cp crawler.Checkpoint) (string, error)
}

// Snapshotter produces consistent copies of aggregated state.
type Snapshotter interface {
	Snapshot(runID string, kind crawler.CheckpointKind, seq int, at time.Time) crawler.Checkpoint
}

// Config controls checkpoint cadence.
type Config struct {
	RunID    string
	Interval int
}

// Writer triggers checkpoints and forwards them to a Sink.
type Writer struct {
	state  Snapshotter
	sink   Sink
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	seq         int
	written     int
	lastTrigger int
}

// NewWriter builds a Writer. An Interval of zero or less disables periodic
// checkpoints; the final checkpoint is always attempted.
func NewWriter(state Snapshotter, sink Sink, clock crawler.Clock, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		state:  state,
		sink:   sink,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// MaybeCheckpoint writes a periodic checkpoint when completed is a positive
// multiple of the interval. It reports whether a checkpoint was persisted.
func (w *Writer) MaybeCheckpoint(ctx context.Context, completed int) bool {
	if w.cfg.Interval <= 0 || completed <= 0 || completed%w.cfg.Interval != 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if completed == w.lastTrigger {
		return false
	}
	w.lastTrigger = completed
	return w.write(ctx, crawler.CheckpointPeriodic) == nil
}

// Final writes the end-of-run checkpoint.
func (w *Writer) Final(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(ctx, crawler.CheckpointFinal)
}

// Written returns how many checkpoints have been persisted successfully.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) write(ctx context.Context, kind crawler.CheckpointKind) error {
	w.seq++
	cp := w.state.Snapshot(w.cfg.RunID, kind, w.seq, w.now())

	if w.sink == nil {
		return errors.New("no checkpoint sink configured")
	}
	location, err := w.sink.Write(ctx, cp)
	if err != nil {
		metrics.ObserveCheckpointFailure(string(kind))
		w.logger.Error("checkpoint write failed",
			zap.String("kind", string(kind)),
			zap.Int("sequence", cp.Sequence),
			zap.Int("completed", cp.Completed),
			zap.Error(err),
		)
		return fmt.Errorf("write %s checkpoint: %w", kind, err)
	}

	w.written++
	metrics.ObserveCheckpoint(string(kind))
	w.logger.Info("checkpoint written",
		zap.String("kind", string(kind)),
		zap.Int("sequence", cp.Sequence),
		zap.Int("completed", cp.Completed),
		zap.Int("records", cp.TotalRecords),
		zap.String("location", location),
	)
	return nil
}

func (w *Writer) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

// Multi fans a checkpoint out to several sinks. Every sink is attempted; the
// returned location is the first non-empty one and errors are joined.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Write(ctx context.Context, cp crawler.Checkpoint) (string, error) {
	var (
		location string
		errs     []error
	)
	for _, s := range m {
		loc, err := s.Write(ctx, cp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if location == "" {
			location = loc
		}
	}
	return location, errors.Join(errs...)
}
