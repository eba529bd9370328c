// Package collyfetcher fetches calendar ranges from the calendar's AJAX
// endpoint with gocolly, without a browser.
package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/calendar"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

const (
	defaultServicePath = "Service/getCalendarFilteredData"
	defaultTimeZone    = "55"
	defaultMaxPages    = 50
	defaultMaxRows     = 10000
	defaultTimeout     = 30 * time.Second
)

// Config controls collector behavior.
type Config struct {
	// BaseURL is the calendar page; it is sent as Referer.
	BaseURL string
	// ServiceURL is the endpoint returning rows as HTML fragments.
	ServiceURL    string
	UserAgent     string
	TimeZone      string
	RespectRobots bool
	Timeout       time.Duration
	MaxPages      int
	MaxRows       int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = calendar.DefaultBaseURL
	}
	if c.ServiceURL == "" {
		c.ServiceURL = strings.TrimSuffix(c.BaseURL, "/") + "/" + defaultServicePath
	}
	if c.TimeZone == "" {
		c.TimeZone = defaultTimeZone
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	return c
}

// Factory hands out sessions that share a pooled transport but nothing else.
type Factory struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Factory.
func New(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:       cfg.withDefaults(),
		transport: newHTTPTransport(),
		logger:    logger,
	}
}

// NewSession returns a session with its own collector and cookie jar.
func (f *Factory) NewSession(_ context.Context) (crawler.Session, error) {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)
	return &Session{cfg: f.cfg, collector: c, logger: f.logger}, nil
}

// serviceResponse is the endpoint's JSON envelope.
type serviceResponse struct {
	Data              string `json:"data"`
	RowsNum           int    `json:"rows_num"`
	LastTimeScope     int64  `json:"last_time_scope"`
	BindScrollHandler bool   `json:"bind_scroll_handler"`
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Session pages through one range. It is not safe for concurrent use.
type Session struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
	closed    bool
}

// Fetch requests pages until the endpoint stops offering more rows.
func (s *Session) Fetch(ctx context.Context, r crawler.DateRange) ([]crawler.Record, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}
	records := []crawler.Record{}
	var lastScope int64
	for page := 0; page < s.cfg.MaxPages; page++ {
		resp, err := s.fetchPage(ctx, r, page, lastScope)
		if err != nil {
			return nil, err
		}
		rows, err := calendar.ExtractHTML("<table>" + resp.Data + "</table>")
		if err != nil {
			return nil, fmt.Errorf("parse calendar rows: %w", err)
		}
		records = append(records, rows...)
		s.logger.Debug("calendar page fetched",
			zap.Stringer("range", r),
			zap.Int("page", page),
			zap.Int("rows", len(rows)),
		)

		if !resp.BindScrollHandler || resp.RowsNum == 0 || len(rows) == 0 || len(records) > s.cfg.MaxRows {
			break
		}
		lastScope = resp.LastTimeScope
	}
	return records, nil
}

// Close releases the session; the shared transport stays open.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

func (s *Session) fetchPage(ctx context.Context, r crawler.DateRange, page int, lastScope int64) (serviceResponse, error) {
	collector := s.collector.Clone()
	collector.Context = ctx

	var (
		result   serviceResponse
		fetchErr error
	)
	s.configureCollectorHooks(collector, &result, &fetchErr)

	form := map[string]string{
		"dateFrom":      r.Start.Format(crawler.DateLayout),
		"dateTo":        r.End.Format(crawler.DateLayout),
		"timeZone":      s.cfg.TimeZone,
		"timeFilter":    "timeRemain",
		"currentTab":    "custom",
		"limit_from":    strconv.Itoa(page),
		"submitFilters": "1",
	}
	if page > 0 {
		form["last_time_scope"] = strconv.FormatInt(lastScope, 10)
	}

	if err := runCollector(ctx, func() error { return collector.Post(s.cfg.ServiceURL, form) }, &fetchErr); err != nil {
		return serviceResponse{}, err
	}
	return result, nil
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, result *serviceResponse, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("X-Requested-With", "XMLHttpRequest")
		r.Headers.Set("Referer", s.cfg.BaseURL)
		r.Headers.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	})

	hooks.OnResponse(func(r *colly.Response) {
		if err := json.Unmarshal(r.Body, result); err != nil {
			*fetchErr = fmt.Errorf("decode calendar response: %w", err)
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("calendar endpoint status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
