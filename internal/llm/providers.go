package llm

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// resolveAPIKey checks the model override, then the backend config, then the
// environment. Returns empty string if none is set.
func resolveAPIKey(envVarName string, keys ...string) string {
	for _, k := range keys {
		if k != "" {
			return k
		}
	}
	return os.Getenv(envVarName)
}

// newOpenAIProvider creates an OpenAI provider.
func newOpenAIProvider(cfg *config.Config, mc config.ModelConfig, logger *slog.Logger) (Provider, error) {
	apiKey := resolveAPIKey("OPENAI_API_KEY", mc.APIKey, cfg.LLM.OpenAI.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf(
			"openai api key not configured: set OPENAI_API_KEY environment variable or llm.openai.api_key in config",
		)
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(mc.Model),
	}

	if cfg.LLM.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLM.OpenAI.BaseURL))
	}

	if orgID := resolveAPIKey("OPENAI_ORG_ID", cfg.LLM.OpenAI.OrgID); orgID != "" {
		opts = append(opts, openai.WithOrganization(orgID))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai provider: %w", err)
	}

	logger.Info("initialized openai provider",
		"model", mc.Model,
		"base_url", cfg.LLM.OpenAI.BaseURL,
	)

	return &langchainAdapter{
		model:        model,
		defaultModel: mc.Model,
		providerType: "openai",
		logger:       logger,
	}, nil
}

// newAnthropicProvider creates an Anthropic/Claude provider.
func newAnthropicProvider(cfg *config.Config, mc config.ModelConfig, logger *slog.Logger) (Provider, error) {
	apiKey := resolveAPIKey("ANTHROPIC_API_KEY", mc.APIKey, cfg.LLM.Anthropic.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf(
			"anthropic api key not configured: set ANTHROPIC_API_KEY environment variable or llm.anthropic.api_key in config",
		)
	}

	model, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(mc.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic provider: %w", err)
	}

	logger.Info("initialized anthropic provider", "model", mc.Model)

	return &langchainAdapter{
		model:        model,
		defaultModel: mc.Model,
		providerType: "anthropic",
		logger:       logger,
	}, nil
}
