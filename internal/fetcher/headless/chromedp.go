// Package headless fetches calendar ranges with a real headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/calendar"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

// Defaults mirror how long the calendar page takes to settle in practice.
const (
	defaultNavigationTimeout = 3 * time.Minute
	defaultScrollPause       = 2 * time.Second
	defaultMaxScrolls        = 50
	defaultStableRounds      = 3
	defaultMaxRows           = 10000
	defaultTableSelector     = "#economicCalendarData"
)

// Config controls the browser sessions handed out by Factory.
type Config struct {
	BaseURL           string
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	ScrollPause       time.Duration
	MaxScrolls        int
	StableRounds      int
	MaxRows           int
	TableSelector     string
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = calendar.DefaultBaseURL
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = defaultScrollPause
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = defaultMaxScrolls
	}
	if c.StableRounds <= 0 {
		c.StableRounds = defaultStableRounds
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	if c.TableSelector == "" {
		c.TableSelector = defaultTableSelector
	}
	return c
}

// Factory launches one isolated Chrome process per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxScrolls < 0 || cfg.StableRounds < 0 || cfg.MaxRows < 0 {
		return nil, fmt.Errorf("scroll limits must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger}, nil
}

// NewSession starts a dedicated browser. The browser lives until Close is
// called or ctx ends.
func (f *Factory) NewSession(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(f.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &Session{
		cfg:           f.cfg,
		logger:        f.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Session drives a single browser tab. It is not safe for concurrent use.
type Session struct {
	cfg    Config
	logger *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

// Fetch loads the calendar filtered to r, scrolls until the row count
// settles, and extracts every row.
func (s *Session) Fetch(ctx context.Context, r crawler.DateRange) ([]crawler.Record, error) {
	target, err := calendar.RangeURL(s.cfg.BaseURL, r)
	if err != nil {
		return nil, fmt.Errorf("build calendar url: %w", err)
	}

	runCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx,
		s.networkSetupAction(),
		chromedp.Navigate(target),
		waitDocumentComplete(),
		chromedp.WaitReady(s.cfg.TableSelector, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("page failed to load: %w", err)
	}

	rows, err := s.scrollUntilStable(runCtx)
	if err != nil {
		return nil, err
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML(s.cfg.TableSelector, &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read calendar table: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse calendar table: %w", err)
	}
	records := calendar.ExtractRows(doc.Selection)

	s.logger.Debug("calendar rows extracted",
		zap.Stringer("range", r),
		zap.Int("rows_seen", rows),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.browserCancel()
		s.allocCancel()
	})
	return s.closeErr
}

func (s *Session) scrollUntilStable(ctx context.Context) (int, error) {
	tracker := newScrollTracker(s.cfg.StableRounds, s.cfg.MaxRows)
	countJS := fmt.Sprintf("document.querySelectorAll(%q).length", calendar.RowSelector)

	var count int
	for i := 0; i < s.cfg.MaxScrolls; i++ {
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(s.cfg.ScrollPause),
			chromedp.Evaluate(countJS, &count),
		); err != nil {
			return 0, fmt.Errorf("scroll calendar: %w", err)
		}
		if tracker.observe(count) {
			break
		}
	}
	return count, nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func waitDocumentComplete() chromedp.Action {
	return chromedp.Poll(`document.readyState === "complete"`, nil, chromedp.WithPollingInterval(250*time.Millisecond))
}

// scrollTracker decides when infinite scrolling has loaded everything: the
// row count has not changed for stableRounds consecutive checks, or it has
// passed maxRows.
type scrollTracker struct {
	last         int
	stable       int
	stableRounds int
	maxRows      int
}

func newScrollTracker(stableRounds, maxRows int) *scrollTracker {
	return &scrollTracker{last: -1, stableRounds: stableRounds, maxRows: maxRows}
}

func (t *scrollTracker) observe(count int) bool {
	if count > t.maxRows {
		return true
	}
	if count == t.last {
		t.stable++
	} else {
		t.stable = 0
		t.last = count
	}
	return t.stable >= t.stableRounds
}
