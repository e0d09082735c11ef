package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// langchainAdapter implements the Provider interface using langchaingo.
// This adapter translates between our Provider interface and langchaingo's llms.Model.
type langchainAdapter struct {
	model        llms.Model
	defaultModel string
	providerType string
	logger       *slog.Logger
}

// Chat sends messages and returns a complete response.
func (a *langchainAdapter) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	a.logger.Debug("sending chat request", "provider", a.providerType, "messages", len(messages))

	resp, err := a.model.GenerateContent(ctx, convertMessages(messages), convertOptions(opts, a.defaultModel)...)
	if err != nil {
		a.logger.Error("chat request failed", "provider", a.providerType, "error", err)
		return nil, wrapError(err)
	}

	return convertResponse(resp, a.defaultModel)
}

// Heartbeat checks if the provider is reachable with a one-token request.
func (a *langchainAdapter) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.Chat(ctx, []Message{
		{Role: "user", Content: "ping"},
	}, &ChatOptions{
		MaxTokens: 1,
	})

	return err
}

// ModelAvailable checks if model is available (cloud providers assume yes).
// They'll fail at request time with clear error messages.
func (a *langchainAdapter) ModelAvailable(ctx context.Context, model string) (bool, error) {
	return true, nil
}

// --- Conversion Helpers ---

func convertMessages(messages []Message) []llms.MessageContent {
	result := make([]llms.MessageContent, len(messages))
	for i, msg := range messages {
		result[i] = llms.TextParts(convertRole(msg.Role), msg.Content)
	}
	return result
}

func convertRole(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "user":
		return llms.ChatMessageTypeHuman
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeGeneric
	}
}

func convertOptions(opts *ChatOptions, defaultModel string) []llms.CallOption {
	model := defaultModel
	if opts != nil && opts.Model != "" {
		model = opts.Model
	}
	result := []llms.CallOption{llms.WithModel(model)}

	if opts != nil {
		result = append(result, llms.WithTemperature(float64(opts.Temperature)))
		if opts.MaxTokens > 0 {
			result = append(result, llms.WithMaxTokens(opts.MaxTokens))
		}
	}

	return result
}

func convertResponse(lcResp *llms.ContentResponse, defaultModel string) (*Response, error) {
	if lcResp == nil || len(lcResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrInvalidResponse)
	}

	choice := lcResp.Choices[0]
	model := defaultModel
	if v, ok := choice.GenerationInfo["Model"].(string); ok && v != "" {
		model = v
	}

	return &Response{
		Content: choice.Content,
		Model:   model,
	}, nil
}

// wrapError maps cancellation onto our sentinel; everything else is a
// transport failure.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrContextCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
