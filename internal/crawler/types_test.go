package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDateRangeStringRoundTrip(t *testing.T) {
	t.Parallel()

	r := DateRange{Start: day(2024, 1, 5), End: day(2024, 1, 8)}
	require.Equal(t, "2024-01-05..2024-01-08", r.String())
	require.Equal(t, 4, r.Days())

	parsed, err := ParseRange(r.String())
	require.NoError(t, err)
	require.Equal(t, r, parsed)
}

func TestParseRangeErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "2024-01-01", "2024-01-05..2024-01-01", "2024-13-01..2024-12-01", "x..2024-01-01"} {
		if _, err := ParseRange(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestOutcomeConstructors(t *testing.T) {
	t.Parallel()

	ok := Success(nil, 1)
	require.True(t, ok.Succeeded())
	require.NotNil(t, ok.Records)
	require.Empty(t, ok.Records)

	failed := Failure("", 3)
	require.False(t, failed.Succeeded())
	require.Equal(t, "unknown failure", failed.Err)
	require.Equal(t, 3, failed.Attempts)
}

func TestRecordClone(t *testing.T) {
	t.Parallel()

	rec := Record{"Event": "CPI"}
	clone := rec.Clone()
	clone["Event"] = "PPI"
	require.Equal(t, "CPI", rec["Event"])
	require.Nil(t, Record(nil).Clone())
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("timeout")
	err := error(&FetchError{Range: DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 2)}, Attempt: 2, Cause: cause})
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "2024-01-01..2024-01-02")
	require.Contains(t, err.Error(), "attempt 2")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 2, fe.Attempt)
}

func TestCheckpointManifestCopies(t *testing.T) {
	t.Parallel()

	cp := Checkpoint{
		RunID:     "run",
		Succeeded: []DateRange{{Start: day(2024, 1, 1), End: day(2024, 1, 4)}},
		Failed:    []FailedRange{{Range: DateRange{Start: day(2024, 1, 5), End: day(2024, 1, 8)}, Reason: "boom"}},
	}
	m := cp.Manifest()
	m.Succeeded[0].End = day(2030, 1, 1)
	require.Equal(t, day(2024, 1, 4), cp.Succeeded[0].End)
	require.Equal(t, "boom", m.Failed[0].Reason)
}
