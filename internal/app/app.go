// Package app initializes and holds long-lived services for a backfill run,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/calendar"
	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/config"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/econ-calendar-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/econ-calendar-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/econ-calendar-crawler/internal/hash/sha256"
	"github.com/JakeFAU/econ-calendar-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/econ-calendar-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/econ-calendar-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/econ-calendar-crawler/internal/storage/gcs"
	"github.com/JakeFAU/econ-calendar-crawler/internal/storage/local"
	"github.com/JakeFAU/econ-calendar-crawler/internal/storage/memory"
	"github.com/JakeFAU/econ-calendar-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/econ-calendar-crawler/internal/storage/redis"
	"github.com/JakeFAU/econ-calendar-crawler/internal/storage/sqlite"
)

// ReportWriter persists completion reports.
type ReportWriter interface {
	WriteReport(ctx context.Context, report crawler.Report) (string, error)
}

// App holds the services a backfill run depends on. It is built once per
// process from Config and closed on exit.
type App struct {
	logger    *zap.Logger
	sessions  crawler.SessionFactory
	sink      checkpoint.Sink
	manifests crawler.ManifestStore
	reports   ReportWriter
	publisher crawler.Publisher
	closers   []func() error
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Sessions returns the configured fetch session factory.
func (a *App) Sessions() crawler.SessionFactory {
	return a.sessions
}

// Sink returns the checkpoint sink fanning out to every configured store.
func (a *App) Sink() checkpoint.Sink {
	return a.sink
}

// Manifests returns the store used to resume runs, or nil when no configured
// sink can read manifests back.
func (a *App) Manifests() crawler.ManifestStore {
	return a.manifests
}

// Reports returns the report writer, or nil when no blob sink is configured.
func (a *App) Reports() ReportWriter {
	return a.reports
}

// Publisher returns the report publisher. Without a Pub/Sub topic it is an
// in-memory publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// NewApp wires every service named by cfg. It fails fast if any store cannot
// be reached; services opened before the failure are closed.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	sessions, err := newSessions(cfg.Fetcher, logger.Named("fetcher"))
	if err != nil {
		return nil, err
	}
	a.sessions = sessions

	if err := a.initSinks(ctx, cfg.Checkpoint); err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.PubSub.TopicName != "" {
		logger.Info("connecting to pubsub", zap.String("project", cfg.PubSub.ProjectID), zap.String("topic", cfg.PubSub.TopicName))
		pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, map[string]string{"source": "econ-calendar-crawler"})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	} else {
		a.publisher = memorypublisher.New()
	}

	return a, nil
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing services failed", zap.Error(err))
		return err
	}
	return nil
}

func newSessions(cfg config.FetcherConfig, logger *zap.Logger) (crawler.SessionFactory, error) {
	var factory crawler.SessionFactory
	switch cfg.Kind {
	case config.FetcherHeadless:
		f, err := headless.NewFactory(headless.Config{
			BaseURL:           cfg.BaseURL,
			UserAgent:         cfg.UserAgent,
			ExecPath:          cfg.ChromePath,
			NavigationTimeout: cfg.NavigationTimeout,
			ScrollPause:       cfg.ScrollPause,
			MaxScrolls:        cfg.MaxScrolls,
			StableRounds:      cfg.StableRounds,
			MaxRows:           cfg.MaxRows,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		factory = f
	case config.FetcherHTTP:
		factory = collyfetcher.New(collyfetcher.Config{
			BaseURL:       cfg.BaseURL,
			UserAgent:     cfg.UserAgent,
			TimeZone:      cfg.TimeZone,
			RespectRobots: cfg.RespectRobots,
			Timeout:       cfg.RequestTimeout,
			MaxRows:       cfg.MaxRows,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown fetcher: %s", cfg.Kind)
	}

	if cfg.RatePerSecond > 0 {
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RatePerSecond, DefaultBurst: cfg.Burst})
		factory = ratelimit.Wrap(factory, limiter, cfg.BaseURL)
	}
	logger.Info("fetcher ready", zap.String("kind", cfg.Kind), zap.Float64("rate_per_second", cfg.RatePerSecond))
	return factory, nil
}

func (a *App) initSinks(ctx context.Context, cfg config.CheckpointConfig) error {
	var sinks []checkpoint.Sink
	blobCfg := checkpoint.BlobConfig{Prefix: cfg.Prefix, Columns: calendar.Columns}
	addBlob := func(store crawler.BlobStore) error {
		sink, err := checkpoint.NewBlobSink(store, sha256.New(), blobCfg)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		a.adopt(sink)
		if a.reports == nil {
			a.reports = sink
		}
		return nil
	}

	for _, name := range cfg.Sinks {
		a.logger.Info("initializing checkpoint sink", zap.String("sink", name))
		switch name {
		case config.SinkLocal:
			store, err := local.New(local.Config{BaseDir: cfg.Local.Dir})
			if err != nil {
				return fmt.Errorf("init local sink: %w", err)
			}
			if err := addBlob(store); err != nil {
				return err
			}
		case config.SinkMemory:
			if err := addBlob(memory.NewBlobStore()); err != nil {
				return err
			}
		case config.SinkGCS:
			store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.GCS.Bucket})
			if err != nil {
				return fmt.Errorf("init gcs sink: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			if err := addBlob(store); err != nil {
				return err
			}
		case config.SinkPostgres:
			store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
			if err != nil {
				return fmt.Errorf("init postgres sink: %w", err)
			}
			a.closers = append(a.closers, func() error { store.Close(); return nil })
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("init postgres sink: %w", err)
			}
			sinks = append(sinks, store)
			a.adopt(store)
		case config.SinkRedis:
			store, err := redisstore.New(ctx, redisstore.Config{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
				TTL:       cfg.Redis.TTL,
			})
			if err != nil {
				return fmt.Errorf("init redis sink: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			sinks = append(sinks, store)
			a.adopt(store)
		case config.SinkSQLite:
			if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("init sqlite sink: %w", err)
				}
			}
			store, err := sqlite.Open(cfg.SQLite.Path)
			if err != nil {
				return fmt.Errorf("init sqlite sink: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			sinks = append(sinks, store)
			a.adopt(store)
		default:
			return fmt.Errorf("unknown checkpoint sink: %s", name)
		}
	}

	switch len(sinks) {
	case 0:
		return errors.New("at least one checkpoint sink is required")
	case 1:
		a.sink = sinks[0]
	default:
		a.sink = checkpoint.Multi(sinks...)
	}
	return nil
}

// adopt makes the first sink that can read manifests the resume source.
func (a *App) adopt(sink checkpoint.Sink) {
	if a.manifests != nil {
		return
	}
	if ms, ok := sink.(crawler.ManifestStore); ok {
		a.manifests = ms
	}
}
