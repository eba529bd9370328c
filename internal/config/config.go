// Package config loads and validates backfill configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

// Fetcher kinds.
const (
	FetcherHeadless = "headless"
	FetcherHTTP     = "http"
)

// Checkpoint sink names.
const (
	SinkLocal    = "local"
	SinkGCS      = "gcs"
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkSQLite   = "sqlite"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Job        JobConfig        `mapstructure:"job"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// JobConfig describes the span to backfill and how hard to push.
type JobConfig struct {
	Start       string        `mapstructure:"start"`
	End         string        `mapstructure:"end"`
	ChunkDays   int           `mapstructure:"chunk_days"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Deadline    time.Duration `mapstructure:"deadline"`
}

// FetcherConfig selects and tunes the calendar fetcher.
type FetcherConfig struct {
	Kind              string        `mapstructure:"kind"`
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	ChromePath        string        `mapstructure:"chrome_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	StableRounds      int           `mapstructure:"stable_rounds"`
	MaxRows           int           `mapstructure:"max_rows"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	TimeZone          string        `mapstructure:"time_zone"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// CheckpointConfig controls cadence and where snapshots go.
type CheckpointConfig struct {
	Interval int            `mapstructure:"interval"`
	Sinks    []string       `mapstructure:"sinks"`
	Prefix   string         `mapstructure:"prefix"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// LocalConfig points the local blob sink at a directory.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig names the bucket for the GCS blob sink.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PostgresConfig controls the Postgres run store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls the Redis run store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SQLiteConfig points the SQLite run store at a database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for completion report notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatusConfig controls the optional status/metrics HTTP server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

// Unwrap lets callers match crawler.ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return crawler.ErrInvalidConfig
}

// Load builds a Config from disk/environment, with v supplying flag bindings.
// A nil v starts from a fresh Viper instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("BACKFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("job.start", "2025-01-01")
	v.SetDefault("job.end", "2025-12-31")
	v.SetDefault("job.chunk_days", 90)
	v.SetDefault("job.max_workers", 4)
	v.SetDefault("job.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("job.base_delay", crawler.DefaultBaseDelay)
	v.SetDefault("job.deadline", time.Duration(0))
	v.SetDefault("fetcher.kind", FetcherHeadless)
	v.SetDefault("fetcher.base_url", "https://www.investing.com/economic-calendar/")
	v.SetDefault("fetcher.user_agent", "econ-calendar-crawler/0.1")
	v.SetDefault("fetcher.navigation_timeout", 3*time.Minute)
	v.SetDefault("fetcher.scroll_pause", 2*time.Second)
	v.SetDefault("fetcher.max_scrolls", 50)
	v.SetDefault("fetcher.stable_rounds", 3)
	v.SetDefault("fetcher.max_rows", 10000)
	v.SetDefault("fetcher.request_timeout", 30*time.Second)
	v.SetDefault("fetcher.time_zone", "55")
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.rate_per_second", 0.5)
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("checkpoint.interval", 5)
	v.SetDefault("checkpoint.sinks", []string{SinkLocal})
	v.SetDefault("checkpoint.prefix", "calendar")
	v.SetDefault("checkpoint.local.dir", "data")
	v.SetDefault("checkpoint.postgres.max_conns", 4)
	v.SetDefault("checkpoint.redis.addr", "localhost:6379")
	v.SetDefault("checkpoint.redis.key_prefix", "backfill")
	v.SetDefault("checkpoint.sqlite.path", "data/backfill.db")
	v.SetDefault("status.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	invalid := func(key, reason string) {
		errs = append(errs, &ConfigError{Key: key, Reason: reason})
	}

	start, startErr := crawler.ParseDate(c.Job.Start)
	if startErr != nil {
		invalid("job.start", startErr.Error())
	}
	end, endErr := crawler.ParseDate(c.Job.End)
	if endErr != nil {
		invalid("job.end", endErr.Error())
	}
	if startErr == nil && endErr == nil && start.After(end) {
		invalid("job.start", "must not be after job.end")
	}
	if c.Job.ChunkDays <= 0 {
		invalid("job.chunk_days", "must be > 0")
	}
	if c.Job.MaxWorkers <= 0 {
		invalid("job.max_workers", "must be > 0")
	}
	if c.Job.MaxAttempts <= 0 {
		invalid("job.max_attempts", "must be > 0")
	}
	if c.Job.BaseDelay < 0 {
		invalid("job.base_delay", "must be >= 0")
	}
	if c.Job.Deadline < 0 {
		invalid("job.deadline", "must be >= 0")
	}

	switch c.Fetcher.Kind {
	case FetcherHeadless, FetcherHTTP:
	default:
		invalid("fetcher.kind", fmt.Sprintf("unknown fetcher %q", c.Fetcher.Kind))
	}
	if c.Fetcher.BaseURL == "" {
		invalid("fetcher.base_url", "must be set")
	}
	if c.Fetcher.RatePerSecond < 0 {
		invalid("fetcher.rate_per_second", "must be >= 0")
	}

	if c.Checkpoint.Interval < 0 {
		invalid("checkpoint.interval", "must be >= 0")
	}
	for _, sink := range c.Checkpoint.Sinks {
		switch sink {
		case SinkMemory, SinkRedis:
		case SinkLocal:
			if c.Checkpoint.Local.Dir == "" {
				invalid("checkpoint.local.dir", "must be set when the local sink is enabled")
			}
		case SinkGCS:
			if c.Checkpoint.GCS.Bucket == "" {
				invalid("checkpoint.gcs.bucket", "must be set when the gcs sink is enabled")
			}
		case SinkPostgres:
			if c.Checkpoint.Postgres.DSN == "" {
				invalid("checkpoint.postgres.dsn", "must be set when the postgres sink is enabled")
			}
		case SinkSQLite:
			if c.Checkpoint.SQLite.Path == "" {
				invalid("checkpoint.sqlite.path", "must be set when the sqlite sink is enabled")
			}
		default:
			invalid("checkpoint.sinks", fmt.Sprintf("unknown sink %q", sink))
		}
	}

	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		invalid("pubsub.project_id", "must be set when pubsub.topic_name is set")
	}

	return errors.Join(errs...)
}

// Range returns the configured global span. It assumes Validate passed.
func (c Config) Range() crawler.DateRange {
	start, _ := crawler.ParseDate(c.Job.Start)
	end, _ := crawler.ParseDate(c.Job.End)
	return crawler.DateRange{Start: start, End: end}
}
