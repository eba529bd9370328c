package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/calendar"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

const rowTemplate = `<tr class="js-event-item" data-event-datetime="2025/01/0%d 08:30:00">` +
	`<td class="time">08:30</td><td class="flagCur"> USD</td>` +
	`<td class="sentiment" title="High Volatility Expected"></td>` +
	`<td class="event"><a href="#">Event %d</a></td><td class="act">1.0</td></tr>`

func TestSessionFetchPaginates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		assert.Equal(t, "2025-01-01", r.PostForm.Get("dateFrom"))
		assert.Equal(t, "2025-01-31", r.PostForm.Get("dateTo"))

		page := calls.Add(1) - 1
		assert.Equal(t, strconv.Itoa(int(page)), r.PostForm.Get("limit_from"))
		if page > 0 {
			assert.Equal(t, "1735720200", r.PostForm.Get("last_time_scope"))
		}

		resp := serviceResponse{RowsNum: 2, LastTimeScope: 1735720200, BindScrollHandler: page == 0}
		for i := 1; i <= 2; i++ {
			n := i + int(page)*2
			resp.Data += fmt.Sprintf(rowTemplate, n, n)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := New(Config{BaseURL: srv.URL + "/economic-calendar/", ServiceURL: srv.URL + "/svc"}, zap.NewNop())
	session, err := f.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	records, err := session.Fetch(context.Background(), testRange())
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "Event 1", records[0][calendar.FieldEvent])
	require.Equal(t, "Event 4", records[3][calendar.FieldEvent])
	require.Equal(t, "High", records[0][calendar.FieldImportance])
}

func TestSessionFetchEmptyRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":"","rows_num":0,"bind_scroll_handler":false}`))
	}))
	t.Cleanup(srv.Close)

	session, err := New(Config{ServiceURL: srv.URL}, nil).NewSession(context.Background())
	require.NoError(t, err)

	records, err := session.Fetch(context.Background(), testRange())
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}

func TestSessionFetchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	session, err := New(Config{ServiceURL: srv.URL}, nil).NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.Fetch(context.Background(), testRange())
	require.ErrorContains(t, err, "status 403")
}

func TestSessionFetchBadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>captcha</html>`))
	}))
	t.Cleanup(srv.Close)

	session, err := New(Config{ServiceURL: srv.URL}, nil).NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.Fetch(context.Background(), testRange())
	require.ErrorContains(t, err, "decode calendar response")
}

func TestSessionFetchHonorsCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	session, err := New(Config{ServiceURL: srv.URL, Timeout: 5 * time.Second}, nil).NewSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = session.Fetch(ctx, testRange())
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, calendar.DefaultBaseURL, cfg.BaseURL)
	require.Equal(t, "https://www.investing.com/economic-calendar/Service/getCalendarFilteredData", cfg.ServiceURL)
	require.Equal(t, defaultMaxPages, cfg.MaxPages)
	require.Equal(t, defaultTimeout, cfg.Timeout)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	s := &Session{cfg: Config{BaseURL: "https://example.com/cal/"}.withDefaults()}
	var result serviceResponse
	var fetchErr error
	hooks := &stubHooks{}
	s.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "https://example.com/cal/", req.Headers.Get("Referer"))

	hooks.onResponse(&colly.Response{Body: []byte(`{"rows_num":3,"bind_scroll_handler":true}`)})
	require.NoError(t, fetchErr)
	require.Equal(t, 3, result.RowsNum)
	require.True(t, result.BindScrollHandler)
}

func testRange() crawler.DateRange {
	return crawler.DateRange{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
