package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/aggregator"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

type fakeSource struct {
	progress aggregator.Progress
	failed   []crawler.FailedRange
	panics   bool
}

func (f *fakeSource) RunID() string { return "run-1" }
func (f *fakeSource) Tasks() int    { return 5 }

func (f *fakeSource) Progress() aggregator.Progress {
	if f.panics {
		panic("boom")
	}
	return f.progress
}

func (f *fakeSource) Failed() []crawler.FailedRange { return f.failed }

func serve(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, Options{}, zap.NewNop()), "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzWithoutRun(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, Options{}, nil), "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgress(t *testing.T) {
	t.Parallel()

	src := &fakeSource{progress: aggregator.Progress{Completed: 3, Succeeded: 2, Failed: 1, TotalRecords: 40}}
	rec := serve(t, NewServer(src, Options{}, nil), "/v1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 5, body.Tasks)
	assert.Equal(t, 2, body.Remaining)
	assert.Equal(t, 40, body.Progress.TotalRecords)
}

func TestFailed(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{failed: []crawler.FailedRange{{
		Range:  crawler.DateRange{Start: day, End: day.AddDate(0, 0, 1)},
		Reason: "timeout",
	}}}
	rec := serve(t, NewServer(src, Options{}, nil), "/v1/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"range":"2024-01-09..2024-01-10"`)
	require.Contains(t, rec.Body.String(), `"reason":"timeout"`)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSource{}, Options{APIKey: "secret"}, nil)
	require.Equal(t, http.StatusForbidden, serve(t, s, "/v1/progress", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/v1/progress", map[string]string{"X-API-Key": "secret"}).Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeSource{}, Options{}, nil), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "backfill_")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeSource{panics: true}, Options{}, nil), "/v1/progress", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(nil, Options{}, nil).Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.client.Close())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}
