package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Client is a model that can be prompted with text and returns text.
// Implementations must be safe for concurrent use and must not retry.
type Client interface {
	// Invoke sends one prompt. Failures are *BackendError or
	// *MalformedResponseError.
	Invoke(ctx context.Context, req PromptRequest) (PromptResult, error)

	// Handle identifies the model behind the client.
	Handle() ModelHandle
}

// PromptRequest is one prompt plus an optional required response shape.
type PromptRequest struct {
	Prompt string `json:"prompt"`
	Shape  *Shape `json:"shape,omitempty"`
}

// PromptResult is the raw response text and where it came from.
type PromptResult struct {
	Text   string         `json:"text"`
	Handle ModelHandle    `json:"handle"`
	Seq    uint64         `json:"seq"`
	Fields map[string]any `json:"fields,omitempty"` // decoded object when a shape was requested
}

// Sequence hands out monotonically increasing result numbers. Clients that
// share a Sequence produce globally ordered results.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next number, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// ProviderClient binds a ModelHandle to a Provider.
type ProviderClient struct {
	handle   ModelHandle
	provider Provider
	opts     ChatOptions
	timeout  time.Duration
	seq      *Sequence
	logger   *slog.Logger
}

// ClientOption configures a ProviderClient.
type ClientOption func(*ProviderClient)

// WithTimeout bounds each invocation. Zero means no client-side limit.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *ProviderClient) {
		c.timeout = d
	}
}

// WithChatOptions sets temperature and token limits for every call.
func WithChatOptions(opts ChatOptions) ClientOption {
	return func(c *ProviderClient) {
		c.opts = opts
	}
}

// WithSequence shares a result counter between clients.
func WithSequence(seq *Sequence) ClientOption {
	return func(c *ProviderClient) {
		c.seq = seq
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *ProviderClient) {
		c.logger = logger
	}
}

// NewClient creates a Client over provider.
func NewClient(handle ModelHandle, provider Provider, opts ...ClientOption) (*ProviderClient, error) {
	if provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if handle.Name == "" {
		return nil, errors.New("model handle needs a name")
	}

	c := &ProviderClient{
		handle:   handle,
		provider: provider,
		seq:      &Sequence{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opts.Model == "" {
		c.opts.Model = handle.Model
	}
	return c, nil
}

// Handle implements Client.
func (c *ProviderClient) Handle() ModelHandle {
	return c.handle
}

// Checker is implemented by clients that can confirm their backend is
// ready before a run starts.
type Checker interface {
	Check(ctx context.Context) error
}

// Check confirms the backend answers a heartbeat and serves the handle's
// model. Failures are *BackendError.
func (c *ProviderClient) Check(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.provider.Heartbeat(ctx); err != nil {
		return &BackendError{Model: c.handle.Name, Err: fmt.Errorf("%s unreachable: %w", c.handle.Backend, err)}
	}
	ok, err := c.provider.ModelAvailable(ctx, c.handle.Model)
	if err != nil {
		return &BackendError{Model: c.handle.Name, Err: err}
	}
	if !ok {
		return &BackendError{Model: c.handle.Name, Err: fmt.Errorf("model %q is not available on %s", c.handle.Model, c.handle.Backend)}
	}
	c.logger.Debug("model ready", "model", c.handle.Name, "backend", c.handle.Backend)
	return nil
}

// Invoke implements Client.
func (c *ProviderClient) Invoke(ctx context.Context, req PromptRequest) (PromptResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	opts := c.opts
	prompt := req.Prompt
	if req.Shape != nil {
		prompt += req.Shape.Hint()
		opts.JSON = true
	}

	start := time.Now()
	resp, err := c.provider.Chat(ctx, []Message{{Role: "user", Content: prompt}}, &opts)
	if err != nil {
		c.logger.Debug("invoke failed", "model", c.handle.Name, "duration", time.Since(start), "error", err)
		return PromptResult{}, &BackendError{Model: c.handle.Name, Err: err}
	}

	result := PromptResult{
		Text:   resp.Content,
		Handle: c.handle,
		Seq:    c.seq.Next(),
	}
	c.logger.Debug("invoke completed", "model", c.handle.Name, "seq", result.Seq, "duration", time.Since(start))

	if req.Shape == nil {
		return result, nil
	}

	fields, missing, err := req.Shape.Parse(resp.Content)
	if err != nil || len(missing) > 0 {
		return result, &MalformedResponseError{
			Model:   c.handle.Name,
			Missing: missing,
			Raw:     resp.Content,
			Err:     err,
		}
	}
	result.Fields = fields
	return result, nil
}
