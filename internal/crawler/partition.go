package crawler

import "time"

// Partition splits [start, end] into contiguous, non-overlapping ranges. Each
// range spans chunkDays days past its start (so chunkDays+1 calendar days) and
// the next range begins the day after the previous one ends. The final range
// is clamped to end. Degenerate input (start >= end, or chunkDays <= 0) yields
// no ranges.
func Partition(start, end time.Time, chunkDays int) []DateRange {
	start, end = truncateDay(start), truncateDay(end)
	if !start.Before(end) || chunkDays <= 0 {
		return nil
	}

	var ranges []DateRange
	for cursor := start; !cursor.After(end); {
		stop := cursor.AddDate(0, 0, chunkDays)
		if stop.After(end) {
			stop = end
		}
		ranges = append(ranges, DateRange{Start: cursor, End: stop})
		cursor = stop.AddDate(0, 0, 1)
	}
	return ranges
}

// Pending drops every range present in done, preserving order.
func Pending(ranges []DateRange, done []DateRange) []DateRange {
	if len(done) == 0 {
		return append([]DateRange(nil), ranges...)
	}
	skip := make(map[DateRange]struct{}, len(done))
	for _, r := range done {
		skip[normalize(r)] = struct{}{}
	}
	out := make([]DateRange, 0, len(ranges))
	for _, r := range ranges {
		if _, ok := skip[normalize(r)]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Only keeps the ranges present in subset, preserving order. It is used to
// re-run exactly the failed ranges of an earlier run.
func Only(ranges []DateRange, subset []DateRange) []DateRange {
	keep := make(map[DateRange]struct{}, len(subset))
	for _, r := range subset {
		keep[normalize(r)] = struct{}{}
	}
	out := make([]DateRange, 0, len(subset))
	for _, r := range ranges {
		if _, ok := keep[normalize(r)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// NewTasks numbers ranges as tasks starting at ID 1.
func NewTasks(ranges []DateRange) []Task {
	tasks := make([]Task, len(ranges))
	for i, r := range ranges {
		tasks[i] = Task{ID: i + 1, Range: r}
	}
	return tasks
}

func normalize(r DateRange) DateRange {
	return DateRange{Start: truncateDay(r.Start), End: truncateDay(r.End)}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
