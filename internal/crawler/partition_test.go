package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPartitionConcreteScenario(t *testing.T) {
	t.Parallel()

	got := Partition(day(2024, 1, 1), day(2024, 1, 10), 3)
	want := []DateRange{
		{Start: day(2024, 1, 1), End: day(2024, 1, 4)},
		{Start: day(2024, 1, 5), End: day(2024, 1, 8)},
		{Start: day(2024, 1, 9), End: day(2024, 1, 10)},
	}
	require.Equal(t, want, got)
}

func TestPartitionDegenerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		chunkDays int
	}{
		{"start after end", day(2024, 3, 1), day(2024, 1, 1), 30},
		{"start equals end", day(2024, 1, 1), day(2024, 1, 1), 30},
		{"zero chunk", day(2024, 1, 1), day(2024, 1, 10), 0},
		{"negative chunk", day(2024, 1, 1), day(2024, 1, 10), -3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Partition(tt.start, tt.end, tt.chunkDays); len(got) != 0 {
				t.Fatalf("expected no ranges, got %v", got)
			}
		})
	}
}

func TestPartitionTrailingSingleDay(t *testing.T) {
	t.Parallel()

	got := Partition(day(2024, 1, 1), day(2024, 1, 5), 3)
	require.Len(t, got, 2)
	require.Equal(t, DateRange{Start: day(2024, 1, 5), End: day(2024, 1, 5)}, got[1])
}

// TestPartitionCoverage checks every day of the span is covered exactly once
// for a grid of spans and chunk sizes.
func TestPartitionCoverage(t *testing.T) {
	t.Parallel()

	start := day(2023, 12, 30)
	for spanDays := 1; spanDays <= 120; spanDays += 7 {
		for chunk := 1; chunk <= 95; chunk += 6 {
			end := start.AddDate(0, 0, spanDays)
			ranges := Partition(start, end, chunk)
			require.NotEmpty(t, ranges)

			seen := map[time.Time]int{}
			for i, r := range ranges {
				require.False(t, r.End.Before(r.Start), "range %d inverted: %v", i, r)
				require.LessOrEqual(t, r.Days(), chunk+1)
				if i > 0 {
					require.Equal(t, ranges[i-1].End.AddDate(0, 0, 1), r.Start, "gap or overlap at %d", i)
				}
				for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
					seen[d]++
				}
			}
			require.Equal(t, start, ranges[0].Start)
			require.Equal(t, end, ranges[len(ranges)-1].End)
			require.Len(t, seen, spanDays+1)
			for d, n := range seen {
				require.Equal(t, 1, n, "day %s covered %d times", d.Format(DateLayout), n)
			}
		}
	}
}

func TestPartitionTruncatesTimeOfDay(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 1, 0, 0, 0, time.UTC)
	got := Partition(start, end, 90)
	require.Equal(t, []DateRange{{Start: day(2024, 1, 1), End: day(2024, 1, 3)}}, got)
}

func TestPendingAndOnly(t *testing.T) {
	t.Parallel()

	ranges := Partition(day(2024, 1, 1), day(2024, 1, 10), 3)
	done := []DateRange{ranges[0], ranges[2]}

	pending := Pending(ranges, done)
	require.Equal(t, []DateRange{ranges[1]}, pending)

	require.Equal(t, ranges, Pending(ranges, nil))
	require.Equal(t, done, Only(ranges, done))
	require.Empty(t, Only(ranges, nil))
}

func TestNewTasks(t *testing.T) {
	t.Parallel()

	ranges := Partition(day(2024, 1, 1), day(2024, 1, 10), 3)
	tasks := NewTasks(ranges)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, i+1, task.ID)
		require.Equal(t, ranges[i], task.Range)
		require.Zero(t, task.Attempt)
	}
}
