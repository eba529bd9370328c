package crawler

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical day format used in ranges, config, and manifests.
const DateLayout = "2006-01-02"

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// String renders the range as "start..end".
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

// Days returns the number of calendar days covered, counting both ends.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// ParseRange parses the "start..end" form produced by String.
func ParseRange(s string) (DateRange, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "..")
	if !ok {
		return DateRange{}, fmt.Errorf("range %q: missing \"..\" separator", s)
	}
	start, err := ParseDate(from)
	if err != nil {
		return DateRange{}, fmt.Errorf("range %q: %w", s, err)
	}
	end, err := ParseDate(to)
	if err != nil {
		return DateRange{}, fmt.Errorf("range %q: %w", s, err)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("range %q: end before start", s)
	}
	return DateRange{Start: start, End: end}, nil
}

// ParseDate parses a YYYY-MM-DD day as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date: %w", err)
	}
	return t, nil
}

// Record is one raw row returned by a Session. The orchestration core never
// looks inside it.
type Record map[string]string

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Task is one sub-range scheduled for execution.
type Task struct {
	ID      int
	Range   DateRange
	Attempt int
}

// Outcome is the terminal result of a task: either records (success) or a
// failure reason. Attempts counts fetch invocations, not retries.
type Outcome struct {
	Records  []Record
	Err      string
	Attempts int
}

// Success builds a successful outcome.
func Success(records []Record, attempts int) Outcome {
	if records == nil {
		records = []Record{}
	}
	return Outcome{Records: records, Attempts: attempts}
}

// Failure builds a failed outcome carrying the given reason.
func Failure(reason string, attempts int) Outcome {
	if reason == "" {
		reason = "unknown failure"
	}
	return Outcome{Err: reason, Attempts: attempts}
}

// Succeeded reports whether the outcome carries records rather than a failure.
func (o Outcome) Succeeded() bool {
	return o.Err == ""
}

// Result pairs a task with its terminal outcome as delivered by the dispatcher.
type Result struct {
	Task    Task
	Outcome Outcome
}

// FailedRange is a range whose retries were exhausted, with the last error.
type FailedRange struct {
	Range  DateRange `json:"range"`
	Reason string    `json:"reason"`
}

// CheckpointKind distinguishes periodic snapshots from the end-of-run one.
type CheckpointKind string

// Checkpoint kinds.
const (
	CheckpointPeriodic CheckpointKind = "periodic"
	CheckpointFinal    CheckpointKind = "final"
)

// Checkpoint is an immutable point-in-time copy of aggregated progress.
type Checkpoint struct {
	RunID        string
	Kind         CheckpointKind
	Sequence     int
	TakenAt      time.Time
	Completed    int
	TotalRecords int
	Records      []Record
	Succeeded    []DateRange
	Failed       []FailedRange
}

// Manifest returns the range-level summary of the checkpoint.
func (c Checkpoint) Manifest() Manifest {
	return Manifest{
		RunID:        c.RunID,
		Kind:         c.Kind,
		Sequence:     c.Sequence,
		TakenAt:      c.TakenAt,
		Completed:    c.Completed,
		TotalRecords: c.TotalRecords,
		Succeeded:    append([]DateRange(nil), c.Succeeded...),
		Failed:       append([]FailedRange(nil), c.Failed...),
	}
}

// Manifest is the resumable part of a checkpoint: which ranges are done and
// which failed. It carries no records.
type Manifest struct {
	RunID        string         `json:"run_id"`
	Kind         CheckpointKind `json:"kind"`
	Sequence     int            `json:"sequence"`
	TakenAt      time.Time      `json:"taken_at"`
	Completed    int            `json:"completed"`
	TotalRecords int            `json:"total_records"`
	RecordsURI   string         `json:"records_uri,omitempty"`
	RecordsHash  string         `json:"records_sha256,omitempty"`
	Succeeded    []DateRange    `json:"succeeded"`
	Failed       []FailedRange  `json:"failed"`
}

// Report summarizes a finished run. Succeeded includes ranges carried over
// from a resumed run; Skipped counts those carried-over ranges alone.
type Report struct {
	RunID            string        `json:"run_id"`
	Started          time.Time     `json:"started_at"`
	Finished         time.Time     `json:"finished_at"`
	Elapsed          time.Duration `json:"elapsed_ns"`
	Tasks            int           `json:"tasks"`
	TotalRecords     int           `json:"total_records"`
	Succeeded        int           `json:"succeeded_ranges"`
	Skipped          int           `json:"skipped_ranges"`
	Failed           []FailedRange `json:"failed_ranges"`
	Cancelled        int           `json:"cancelled_ranges"`
	Checkpoints      int           `json:"checkpoints_written"`
	RecordsPerSecond float64       `json:"records_per_second"`
}
