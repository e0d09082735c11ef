// Package llm provides the model abstraction the chain executor talks to.
//
// Two layers live here. Provider is the transport: a backend (Ollama,
// OpenAI, Anthropic) that accepts chat messages. Client is what pipelines
// use: a named ModelHandle bound to a Provider that turns a PromptRequest
// into a PromptResult, enforcing a per-model timeout and validating the
// optional response shape. Clients never retry; retry and fallback policy
// belongs to the chain patterns.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/llm/ollama"
)

// Provider defines the interface for LLM transports.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Chat sends messages and returns a complete response.
	// The context can be used to cancel the request.
	Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error)

	// Heartbeat checks if the provider is reachable and healthy.
	Heartbeat(ctx context.Context) error

	// ModelAvailable checks if a specific model is available for use.
	ModelAvailable(ctx context.Context, model string) (bool, error)
}

// Message represents a single message in a conversation.
type Message struct {
	// Role identifies the message sender: "system", "user", or "assistant"
	Role string

	// Content is the message text
	Content string
}

// ChatOptions configures chat behavior.
// All fields are optional; nil opts uses provider defaults.
type ChatOptions struct {
	// Model specifies which model to use (e.g., "llama3.2", "gpt-4o")
	Model string

	// Temperature controls randomness (0.0 = deterministic)
	Temperature float32

	// MaxTokens limits the response length (0 = provider default)
	MaxTokens int

	// JSON asks the backend to constrain output to a JSON object when it can.
	JSON bool
}

// Response represents a complete LLM response.
type Response struct {
	// Content is the generated text
	Content string

	// Model is the name of the model that generated the response
	Model string
}

// Common errors returned by LLM providers.
var (
	// ErrProviderUnavailable indicates the LLM provider is not reachable
	ErrProviderUnavailable = errors.New("llm provider is not reachable")

	// ErrInvalidResponse indicates the provider returned an invalid response
	ErrInvalidResponse = errors.New("provider returned invalid response")

	// ErrContextCanceled indicates the operation was canceled via context
	ErrContextCanceled = errors.New("operation was canceled")
)

// NewProvider creates a transport for one configured model.
// Returns an error if the backend is unknown or initialization fails.
func NewProvider(cfg *config.Config, mc config.ModelConfig, logger *slog.Logger) (Provider, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	backend := strings.ToLower(mc.Backend)
	logger.Debug("creating llm provider", "backend", backend, "model", mc.Model)

	switch backend {
	case "ollama":
		p, err := ollama.New(ollama.Config{
			Host:      cfg.LLM.Ollama.Host,
			Model:     mc.Model,
			KeepAlive: cfg.LLM.Ollama.KeepAlive,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &ollamaProviderAdapter{provider: p}, nil

	case "openai":
		return newOpenAIProvider(cfg, mc, logger)

	case "anthropic":
		return newAnthropicProvider(cfg, mc, logger)

	case "":
		return nil, errors.New("llm backend not specified in configuration")

	default:
		return nil, fmt.Errorf("unknown llm backend: %s (supported: ollama, openai, anthropic)", backend)
	}
}

// ollamaProviderAdapter adapts the ollama.Provider to the llm.Provider interface.
// This is needed to avoid import cycles between llm and ollama packages.
type ollamaProviderAdapter struct {
	provider *ollama.Provider
}

func (a *ollamaProviderAdapter) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	ollamaMessages := make([]ollama.Message, len(messages))
	for i, msg := range messages {
		ollamaMessages[i] = ollama.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	var ollamaOpts *ollama.ChatOptions
	if opts != nil {
		ollamaOpts = &ollama.ChatOptions{
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			JSON:        opts.JSON,
		}
	}

	resp, err := a.provider.Chat(ctx, ollamaMessages, ollamaOpts)
	if err != nil {
		return nil, err
	}

	return &Response{
		Content: resp.Content,
		Model:   resp.Model,
	}, nil
}

func (a *ollamaProviderAdapter) Heartbeat(ctx context.Context) error {
	return a.provider.Heartbeat(ctx)
}

func (a *ollamaProviderAdapter) ModelAvailable(ctx context.Context, model string) (bool, error) {
	return a.provider.ModelAvailable(ctx, model)
}
