package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Redis.Read for an unknown artifact.
var ErrNotFound = errors.New("artifact not found")

// Redis stores artifacts as strings under prefix + "artifact:" + id.
type Redis struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis sink. A zero ttl keeps artifacts forever.
func NewRedis(client *backend.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "strand:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string {
	return r.prefix + "artifact:" + id
}

// Write implements chain.Sink.
func (r *Redis) Write(ctx context.Context, id, content string) error {
	if id == "" {
		return fmt.Errorf("artifact id cannot be empty")
	}
	if err := r.client.Set(ctx, r.key(id), content, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write artifact to redis: %w", err)
	}
	return nil
}

// Read returns a stored artifact.
func (r *Redis) Read(ctx context.Context, id string) (string, error) {
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read artifact from redis: %w", err)
	}
	return val, nil
}
