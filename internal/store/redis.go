package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/bimmerbailey/strand/internal/chain"
)

// RedisStore keeps runs as JSON strings, with a sorted-set index scored by
// start time and a hash of summaries for listing.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithTTL expires runs after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedis creates a RedisStore from an existing client.
func NewRedis(client *backend.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "strand:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "runs"
}

func (s *RedisStore) summaryKey() string {
	return s.prefix + "summaries"
}

// Save persists the run and indexes it.
func (s *RedisStore) Save(ctx context.Context, run *chain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	summary, err := json.Marshal(Summarize(run))
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(run.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(run.StartedAt.UnixMilli()),
		Member: run.ID,
	})
	pipe.HSet(ctx, s.summaryKey(), run.ID, summary)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves one run.
func (s *RedisStore) Load(ctx context.Context, id string) (*chain.Run, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var run chain.Run
	if err := json.Unmarshal([]byte(val), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// List returns run summaries, newest first. Runs older than the TTL are
// pruned from the index first.
func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	if s.ttl > 0 {
		if err := s.prune(ctx); err != nil {
			return nil, err
		}
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, s.summaryKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read summaries: %w", err)
	}

	runs := make([]Summary, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sum Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			continue
		}
		runs = append(runs, sum)
	}
	sortNewestFirst(runs)
	return runs, nil
}

// prune drops index and summary entries for runs that have expired.
func (s *RedisStore) prune(ctx context.Context) error {
	cutoff := strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return fmt.Errorf("failed to find expired runs: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	members := make([]interface{}, len(expired))
	for i, id := range expired {
		members[i] = id
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.indexKey(), members...)
	pipe.HDel(ctx, s.summaryKey(), expired...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to prune expired runs: %w", err)
	}
	return nil
}

// Delete removes one run.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	pipe.HDel(ctx, s.summaryKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
