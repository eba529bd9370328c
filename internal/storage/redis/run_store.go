// Package redisstore keeps backfill checkpoints in Redis so that several
// operators can watch or resume a run from any host.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/econ-calendar-crawler/internal/checkpoint"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

const defaultKeyPrefix = "backfill"

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key; defaults to "backfill".
	KeyPrefix string
	// TTL expires run keys after the last write. Zero keeps them forever.
	TTL time.Duration
}

// RunStore writes the manifest as a JSON string and records as a list of
// JSON objects.
type RunStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *RunStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RunStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Close closes the client.
func (s *RunStore) Close() error {
	return s.client.Close()
}

// Write appends records not yet stored and replaces the manifest atomically.
func (s *RunStore) Write(ctx context.Context, cp crawler.Checkpoint) (string, error) {
	recordsKey := s.recordsKey(cp.RunID)
	manifestKey := s.manifestKey(cp.RunID)

	stored, err := s.client.LLen(ctx, recordsKey).Result()
	if err != nil {
		return "", fmt.Errorf("redis llen: %w", err)
	}

	var pending []any
	for i := int(stored); i < len(cp.Records); i++ {
		payload, err := json.Marshal(cp.Records[i])
		if err != nil {
			return "", fmt.Errorf("marshal record %d: %w", i, err)
		}
		pending = append(pending, payload)
	}

	manifest := cp.Manifest()
	manifest.RecordsURI = "redis://" + recordsKey
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(pending) > 0 {
			pipe.RPush(ctx, recordsKey, pending...)
		}
		pipe.Set(ctx, manifestKey, body, s.ttl)
		if s.ttl > 0 {
			pipe.Expire(ctx, recordsKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis checkpoint tx: %w", err)
	}
	return "redis://" + manifestKey, nil
}

// LoadManifest reads the manifest of runID.
func (s *RunStore) LoadManifest(ctx context.Context, runID string) (crawler.Manifest, error) {
	raw, err := s.client.Get(ctx, s.manifestKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.Manifest{}, checkpoint.ErrManifestNotFound
	}
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("redis get manifest: %w", err)
	}
	var m crawler.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return crawler.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Records returns every stored record of runID in insertion order.
func (s *RunStore) Records(ctx context.Context, runID string) ([]crawler.Record, error) {
	items, err := s.client.LRange(ctx, s.recordsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]crawler.Record, 0, len(items))
	for _, item := range items {
		var rec crawler.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RunStore) manifestKey(runID string) string {
	return fmt.Sprintf("%s:%s:manifest", s.prefix, runID)
}

func (s *RunStore) recordsKey(runID string) string {
	return fmt.Sprintf("%s:%s:records", s.prefix, runID)
}
