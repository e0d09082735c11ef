package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/tmc/langchaingo/llms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewProvider_AllBackends(t *testing.T) {
	tests := []struct {
		name        string
		model       config.ModelConfig
		llm         config.LLMConfig
		setupEnv    func(t *testing.T)
		expectError bool
		errorMsg    string
	}{
		{
			name:     "ollama - valid config",
			model:    config.ModelConfig{Backend: "ollama", Model: "llama3.2"},
			llm:      config.LLMConfig{Ollama: config.OllamaConfig{Host: "http://localhost:11434"}},
			setupEnv: func(t *testing.T) {},
		},
		{
			name:  "openai - with env var",
			model: config.ModelConfig{Backend: "openai", Model: "gpt-4o"},
			setupEnv: func(t *testing.T) {
				t.Setenv("OPENAI_API_KEY", "sk-test-key")
			},
		},
		{
			name:     "openai - with config key",
			model:    config.ModelConfig{Backend: "openai", Model: "gpt-4o"},
			llm:      config.LLMConfig{OpenAI: config.OpenAIConfig{APIKey: "sk-from-config"}},
			setupEnv: func(t *testing.T) { t.Setenv("OPENAI_API_KEY", "") },
		},
		{
			name:        "openai - missing api key",
			model:       config.ModelConfig{Backend: "openai", Model: "gpt-4o"},
			setupEnv:    func(t *testing.T) { t.Setenv("OPENAI_API_KEY", "") },
			expectError: true,
			errorMsg:    "OPENAI_API_KEY",
		},
		{
			name:  "anthropic - with env var",
			model: config.ModelConfig{Backend: "anthropic", Model: "claude-3-haiku-20240307"},
			setupEnv: func(t *testing.T) {
				t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")
			},
		},
		{
			name:     "anthropic - per-model key",
			model:    config.ModelConfig{Backend: "anthropic", Model: "claude-3-opus-20240229", APIKey: "sk-ant-model"},
			setupEnv: func(t *testing.T) { t.Setenv("ANTHROPIC_API_KEY", "") },
		},
		{
			name:        "anthropic - missing api key",
			model:       config.ModelConfig{Backend: "anthropic", Model: "claude-3-haiku-20240307"},
			setupEnv:    func(t *testing.T) { t.Setenv("ANTHROPIC_API_KEY", "") },
			expectError: true,
			errorMsg:    "ANTHROPIC_API_KEY",
		},
		{
			name:        "unknown backend",
			model:       config.ModelConfig{Backend: "gemini", Model: "x"},
			setupEnv:    func(t *testing.T) {},
			expectError: true,
			errorMsg:    "unknown llm backend",
		},
		{
			name:        "empty backend",
			model:       config.ModelConfig{Model: "x"},
			setupEnv:    func(t *testing.T) {},
			expectError: true,
			errorMsg:    "not specified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupEnv(t)

			cfg := &config.Config{LLM: tt.llm}
			provider, err := NewProvider(cfg, tt.model, testLogger())

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error should contain %q, got: %v", tt.errorMsg, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider == nil {
				t.Fatal("expected provider but got nil")
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	tests := []struct {
		name      string
		keys      []string
		envVarVal string
		expected  string
	}{
		{"first key wins", []string{"model", "backend"}, "env", "model"},
		{"skips empty keys", []string{"", "backend"}, "env", "backend"},
		{"fallback to env var", []string{"", ""}, "from-env", "from-env"},
		{"empty when nothing set", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STRAND_TEST_KEY", tt.envVarVal)

			if got := resolveAPIKey("STRAND_TEST_KEY", tt.keys...); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

// TestNewProviderNilArgs verifies that nil config and logger are rejected.
func TestNewProviderNilArgs(t *testing.T) {
	mc := config.ModelConfig{Backend: "ollama", Model: "llama3.2"}

	if _, err := NewProvider(nil, mc, testLogger()); err == nil {
		t.Error("NewProvider() should reject nil config")
	}
	if _, err := NewProvider(&config.Config{}, mc, nil); err == nil {
		t.Error("NewProvider() should reject nil logger")
	}
}

// fakeModel is a langchaingo llms.Model returning canned content.
type fakeModel struct {
	content string
	err     error
	gotOpts llms.CallOptions
	gotMsgs []llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.gotMsgs = msgs
	for _, o := range options {
		o(&f.gotOpts)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchainAdapterChat(t *testing.T) {
	model := &fakeModel{content: "hello"}
	a := &langchainAdapter{model: model, defaultModel: "claude-3-haiku", providerType: "anthropic", logger: testLogger()}

	resp, err := a.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, &ChatOptions{Temperature: 0.3, MaxTokens: 50})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "hello" || resp.Model != "claude-3-haiku" {
		t.Errorf("Chat() = %+v", resp)
	}
	if model.gotOpts.Model != "claude-3-haiku" {
		t.Errorf("model option = %q", model.gotOpts.Model)
	}
	if model.gotOpts.MaxTokens != 50 {
		t.Errorf("max tokens option = %d", model.gotOpts.MaxTokens)
	}
	if len(model.gotMsgs) != 2 || model.gotMsgs[0].Role != llms.ChatMessageTypeSystem {
		t.Errorf("messages not converted: %+v", model.gotMsgs)
	}
}

func TestLangchainAdapterErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transport", errors.New("connection refused"), ErrProviderUnavailable},
		{"canceled", context.Canceled, ErrContextCanceled},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &langchainAdapter{model: &fakeModel{err: tt.err}, defaultModel: "m", logger: testLogger()}
			_, err := a.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Chat() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConvertResponseEmpty(t *testing.T) {
	if _, err := convertResponse(&llms.ContentResponse{}, "m"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestConvertRole(t *testing.T) {
	tests := map[string]llms.ChatMessageType{
		"system":    llms.ChatMessageTypeSystem,
		"user":      llms.ChatMessageTypeHuman,
		"assistant": llms.ChatMessageTypeAI,
		"tool":      llms.ChatMessageTypeGeneric,
	}
	for role, want := range tests {
		if got := convertRole(role); got != want {
			t.Errorf("convertRole(%q) = %v, want %v", role, got, want)
		}
	}
}
