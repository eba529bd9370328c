package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

func setupStore(t *testing.T, cfg Config) (*RunStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, cfg)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func checkpointWith(n int) crawler.Checkpoint {
	recs := make([]crawler.Record, n)
	for i := range recs {
		recs[i] = crawler.Record{"Event": "Retail Sales", "Currency": "USD"}
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return crawler.Checkpoint{
		RunID:        "run-9",
		Kind:         crawler.CheckpointPeriodic,
		Sequence:     n,
		Completed:    n,
		TotalRecords: n,
		Records:      recs,
		Succeeded:    []crawler.DateRange{{Start: start, End: start.AddDate(0, 0, 90)}},
	}
}

func TestWriteAppendsOnlyNewRecords(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t, Config{})
	ctx := context.Background()

	loc, err := store.Write(ctx, checkpointWith(2))
	require.NoError(t, err)
	require.Equal(t, "redis://backfill:run-9:manifest", loc)

	_, err = store.Write(ctx, checkpointWith(5))
	require.NoError(t, err)

	items, err := mr.List("backfill:run-9:records")
	require.NoError(t, err)
	require.Len(t, items, 5)

	recs, err := store.Records(ctx, "run-9")
	require.NoError(t, err)
	require.Equal(t, "Retail Sales", recs[4]["Event"])

	m, err := store.LoadManifest(ctx, "run-9")
	require.NoError(t, err)
	require.Equal(t, 5, m.Completed)
	require.Equal(t, "redis://backfill:run-9:records", m.RecordsURI)
	require.Len(t, m.Succeeded, 1)
}

func TestWriteAppliesTTL(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t, Config{KeyPrefix: "cal", TTL: time.Hour})
	_, err := store.Write(context.Background(), checkpointWith(1))
	require.NoError(t, err)

	require.Equal(t, time.Hour, mr.TTL("cal:run-9:manifest"))
	require.Equal(t, time.Hour, mr.TTL("cal:run-9:records"))
}

func TestLoadManifestMissing(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t, Config{})
	_, err := store.LoadManifest(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrManifestNotFound)
}

func TestLoadManifestCorrupt(t *testing.T) {
	t.Parallel()

	store, mr := setupStore(t, Config{})
	require.NoError(t, mr.Set("backfill:bad:manifest", "{not json"))

	_, err := store.LoadManifest(context.Background(), "bad")
	require.ErrorContains(t, err, "decode manifest")
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewPings(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
