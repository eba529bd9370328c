// Package aggregator collects task outcomes from concurrent workers.
package aggregator

import (
	"sync"
	"time"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

// Progress is a point-in-time count of finished work.
type Progress struct {
	Completed    int `json:"completed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	TotalRecords int `json:"total_records"`
}

// Aggregator accumulates records and range outcomes. Every method is safe for
// concurrent use, and each range is counted at most once.
type Aggregator struct {
	mu        sync.RWMutex
	records   []crawler.Record
	succeeded []crawler.DateRange
	failed    []crawler.FailedRange
	cancelled int
	completed int
	seen      map[crawler.DateRange]struct{}
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		records:   []crawler.Record{},
		succeeded: []crawler.DateRange{},
		failed:    []crawler.FailedRange{},
		seen:      make(map[crawler.DateRange]struct{}),
	}
}

// Seed marks ranges finished by an earlier run as succeeded. Seeded ranges do
// not count toward Completed and contribute no records.
func (a *Aggregator) Seed(done []crawler.DateRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range done {
		if _, ok := a.seen[r]; ok {
			continue
		}
		a.seen[r] = struct{}{}
		a.succeeded = append(a.succeeded, r)
	}
}

// RecordOutcome folds one terminal result into the aggregate and returns the
// completed count afterwards. The second return value is false when the range
// had already been recorded and the call changed nothing.
func (a *Aggregator) RecordOutcome(res crawler.Result) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[res.Task.Range]; ok {
		return a.completed, false
	}
	a.seen[res.Task.Range] = struct{}{}
	a.completed++

	if res.Outcome.Succeeded() {
		a.records = append(a.records, res.Outcome.Records...)
		a.succeeded = append(a.succeeded, res.Task.Range)
		return a.completed, true
	}

	a.failed = append(a.failed, crawler.FailedRange{Range: res.Task.Range, Reason: res.Outcome.Err})
	if res.Outcome.Err == crawler.ErrCancelled.Error() {
		a.cancelled++
	}
	return a.completed, true
}

// TotalRecords returns the number of records collected so far.
func (a *Aggregator) TotalRecords() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Completed returns how many tasks have reached a terminal outcome.
func (a *Aggregator) Completed() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.completed
}

// Failed returns a copy of the failed ranges in completion order.
func (a *Aggregator) Failed() []crawler.FailedRange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]crawler.FailedRange{}, a.failed...)
}

// Progress returns the current counters.
func (a *Aggregator) Progress() Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Progress{
		Completed:    a.completed,
		Succeeded:    len(a.succeeded),
		Failed:       len(a.failed),
		Cancelled:    a.cancelled,
		TotalRecords: len(a.records),
	}
}

// Snapshot copies the aggregate into an immutable checkpoint.
func (a *Aggregator) Snapshot(runID string, kind crawler.CheckpointKind, seq int, at time.Time) crawler.Checkpoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return crawler.Checkpoint{
		RunID:        runID,
		Kind:         kind,
		Sequence:     seq,
		TakenAt:      at,
		Completed:    a.completed,
		TotalRecords: len(a.records),
		Records:      append([]crawler.Record(nil), a.records...),
		Succeeded:    append([]crawler.DateRange(nil), a.succeeded...),
		Failed:       append([]crawler.FailedRange(nil), a.failed...),
	}
}
