// Package store persists finished runs so they can be listed and inspected
// later with "strand runs".
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/redact"
)

// ErrNotFound is returned by Load for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store saves and loads runs.
type Store interface {
	Save(ctx context.Context, run *chain.Run) error
	Load(ctx context.Context, id string) (*chain.Run, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string        `json:"id"`
	Pipeline  string        `json:"pipeline,omitempty"`
	Pattern   string        `json:"pattern"`
	Status    chain.Status  `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Failures  int           `json:"failures"`
}

// Summarize builds the listing view of run.
func Summarize(run *chain.Run) Summary {
	s := Summary{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		Pattern:   run.Pattern,
		Status:    run.Status,
		StartedAt: run.StartedAt,
		Duration:  run.Duration(),
	}
	if run.Trace != nil {
		s.Attempts = run.Trace.Len()
		s.Failures = run.Trace.Failures()
	}
	return s
}

// Since keeps the summaries started at or after t.
func Since(runs []Summary, t time.Time) []Summary {
	out := runs[:0:0]
	for _, r := range runs {
		if !r.StartedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// sortNewestFirst orders summaries by start time, newest first.
func sortNewestFirst(runs []Summary) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

// Open returns the store selected by cfg, scrubbing runs before they are
// saved when cfg.Redact is enabled.
func Open(cfg config.StoreConfig) (Store, error) {
	st, err := openBackend(cfg)
	if err != nil || !cfg.Redact.Enabled {
		return st, err
	}
	r, err := redact.New(cfg.Redact.Patterns)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store.redact: %w", err)
	}
	return Redacted(st, r), nil
}

func openBackend(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return Discard{}, nil
	case "file":
		return NewFile(cfg.Dir), nil
	case "redis":
		var opts []Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, WithPrefix(cfg.Redis.Prefix))
		}
		if cfg.Redis.TTL != "" {
			ttl, err := config.ParseDuration(cfg.Redis.TTL)
			if err != nil {
				return nil, fmt.Errorf("store.redis.ttl: %w", err)
			}
			opts = append(opts, WithTTL(ttl))
		}
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Redacted wraps s so every saved run passes through r first.
func Redacted(s Store, r *redact.Redactor) Store {
	return &redacted{Store: s, r: r}
}

type redacted struct {
	Store
	r *redact.Redactor
}

func (s *redacted) Save(ctx context.Context, run *chain.Run) error {
	clean, err := s.r.Run(run)
	if err != nil {
		return err
	}
	return s.Store.Save(ctx, clean)
}

// Discard keeps nothing.
type Discard struct{}

func (Discard) Save(context.Context, *chain.Run) error { return nil }

func (Discard) Load(context.Context, string) (*chain.Run, error) { return nil, ErrNotFound }

func (Discard) List(context.Context) ([]Summary, error) { return nil, nil }

func (Discard) Delete(context.Context, string) error { return nil }

func (Discard) Close() error { return nil }
