package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bimmerbailey/strand/internal/config"
)

// ProviderFactory builds the transport for one model. NewProvider is the
// production factory; tests substitute fakes.
type ProviderFactory func(cfg *config.Config, mc config.ModelConfig, logger *slog.Logger) (Provider, error)

// Registry resolves pipeline model names to Clients. Providers are created
// on first use so a pipeline that only touches local models never needs
// cloud credentials.
type Registry struct {
	cfg     *config.Config
	factory ProviderFactory
	logger  *slog.Logger
	seq     *Sequence

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry creates a registry over the configured models.
func NewRegistry(cfg *config.Config, factory ProviderFactory, logger *slog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if factory == nil {
		factory = NewProvider
	}
	return &Registry{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		seq:     &Sequence{},
		clients: make(map[string]Client),
	}, nil
}

// Register adds a ready-made client under its handle name.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Handle().Name] = c
}

// Client returns the client for name, creating its provider if needed.
func (r *Registry) Client(name string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}

	mc, ok := r.cfg.LLM.Models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (configured: %v)", name, r.cfg.ModelNames())
	}

	class, err := ParseCostClass(mc.Class)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}

	provider, err := r.factory(r.cfg, mc, r.logger)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}

	timeout := mc.Timeout
	if timeout == 0 {
		timeout = r.cfg.LLM.Timeout
	}

	c, err := NewClient(ModelHandle{
		Name:    name,
		Backend: mc.Backend,
		Model:   mc.Model,
		Class:   class,
	}, provider,
		WithTimeout(timeout),
		WithSequence(r.seq),
		WithLogger(r.logger),
		WithChatOptions(ChatOptions{
			Model:       mc.Model,
			Temperature: r.cfg.LLM.Temperature,
			MaxTokens:   r.cfg.LLM.MaxTokens,
		}),
	)
	if err != nil {
		return nil, err
	}

	r.clients[name] = c
	return c, nil
}

// Check resolves each named model and checks the ones whose client is a
// Checker. The first failure is returned.
func (r *Registry) Check(ctx context.Context, names ...string) error {
	for _, name := range names {
		c, err := r.Client(name)
		if err != nil {
			return err
		}
		ck, ok := c.(Checker)
		if !ok {
			continue
		}
		if err := ck.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Names lists every model the registry can resolve, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, n := range r.cfg.ModelNames() {
		seen[n] = struct{}{}
	}
	for n := range r.clients {
		seen[n] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
