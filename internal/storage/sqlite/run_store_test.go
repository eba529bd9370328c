package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

func setupStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWriteAndLoadManifest(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()
	taken := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	cp := crawler.Checkpoint{
		RunID:        "run-1",
		Kind:         crawler.CheckpointPeriodic,
		Sequence:     1,
		TakenAt:      taken,
		Completed:    2,
		TotalRecords: 2,
		Records:      []crawler.Record{{"Event": "CPI"}, {"Event": "PPI"}},
		Succeeded:    []crawler.DateRange{{Start: day(2025, 1, 1), End: day(2025, 4, 1)}},
		Failed: []crawler.FailedRange{{
			Range:  crawler.DateRange{Start: day(2025, 4, 2), End: day(2025, 7, 1)},
			Reason: "timeout",
		}},
	}
	loc, err := store.Write(ctx, cp)
	require.NoError(t, err)
	require.Equal(t, "sqlite://backfill_runs/run-1", loc)

	cp.Kind = crawler.CheckpointFinal
	cp.Sequence = 2
	cp.Completed = 3
	cp.TotalRecords = 3
	cp.Records = append(cp.Records, crawler.Record{"Event": "NFP"})
	cp.Succeeded = append(cp.Succeeded, crawler.DateRange{Start: day(2025, 7, 2), End: day(2025, 9, 30)})
	_, err = store.Write(ctx, cp)
	require.NoError(t, err)

	m, err := store.LoadManifest(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.CheckpointFinal, m.Kind)
	require.Equal(t, 2, m.Sequence)
	require.Equal(t, 3, m.Completed)
	require.True(t, taken.Equal(m.TakenAt))
	require.Len(t, m.Succeeded, 2)
	require.Equal(t, []crawler.FailedRange{{
		Range:  crawler.DateRange{Start: day(2025, 4, 2), End: day(2025, 7, 1)},
		Reason: "timeout",
	}}, m.Failed)

	recs, err := store.Records(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []crawler.Record{{"Event": "CPI"}, {"Event": "PPI"}, {"Event": "NFP"}}, recs)
}

func TestLoadManifestMissing(t *testing.T) {
	t.Parallel()

	_, err := setupStore(t).LoadManifest(context.Background(), "nope")
	require.ErrorIs(t, err, checkpoint.ErrManifestNotFound)
}

func TestWriteRequiresRunID(t *testing.T) {
	t.Parallel()

	_, err := setupStore(t).Write(context.Background(), crawler.Checkpoint{})
	require.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "backfill.db")
	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Write(context.Background(), crawler.Checkpoint{RunID: "r"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	m, err := reopened.LoadManifest(context.Background(), "r")
	require.NoError(t, err)
	require.Equal(t, "r", m.RunID)
}
