package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

const calendarRow = `<tr class="js-event-item" data-event-datetime="2024/01/0%d 08:30:00">` +
	`<td class="time">08:30</td><td class="flagCur"> USD</td>` +
	`<td class="sentiment" title="High Volatility Expected"></td>` +
	`<td class="event"><a href="#">Event %d</a></td><td class="act">1.0</td></tr>`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backfill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRangesPrintsPartition(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	out, err := execute(t, "ranges", "--config", path,
		"--start", "2024-01-01", "--end", "2024-01-10", "--chunk-days", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1\t2024-01-01..2024-01-04\t4 days", lines[0])
	assert.Equal(t, "2\t2024-01-05..2024-01-08\t4 days", lines[1])
	assert.Equal(t, "3\t2024-01-09..2024-01-10\t2 days", lines[2])
}

func TestRangesOnlyFailedNeedsResume(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	_, err := execute(t, "ranges", "--config", path, "--only-failed")
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	_, err := execute(t, "run", "--config", path, "--start", "2024-02-01", "--end", "2024-01-01")
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestRunRejectsMalformedResumeID(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\ncheckpoint:\n  sinks: [memory]\n")

	_, err := execute(t, "run", "--config", path, "--resume", "not-a-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestRunBackfillsOverHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		resp := map[string]any{"rows_num": 2, "bind_scroll_handler": false, "last_time_scope": 0}
		resp["data"] = fmt.Sprintf(calendarRow, 1, 1) + fmt.Sprintf(calendarRow, 2, 2)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
logging:
  level: error
fetcher:
  kind: http
  base_url: %s/
  rate_per_second: 0
checkpoint:
  interval: 1
  sinks: [local]
  local:
    dir: %s
`, srv.URL, dir))

	out, err := execute(t, "run", "--config", path,
		"--start", "2024-01-01", "--end", "2024-01-10", "--chunk-days", "3", "--workers", "2")
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out, "3 scheduled, 3 succeeded, 0 skipped, 0 failed (0 cancelled)")
	assert.Contains(t, out, "records:   6")
	assert.Contains(t, out, "checkpoints: 4")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestLoadConfigBindsOnlyChangedFlags(t *testing.T) {
	cmd := newRunCmd(new(string))
	require.NoError(t, cmd.Flags().Parse([]string{"--workers", "7", "--deadline", "90s"}))

	cfg, err := loadConfig(cmd.Flags(), "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Job.MaxWorkers)
	assert.Equal(t, "1m30s", cfg.Job.Deadline.String())
	assert.Equal(t, 90, cfg.Job.ChunkDays)
}
