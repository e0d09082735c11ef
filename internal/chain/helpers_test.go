package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bimmerbailey/strand/internal/llm"
	"github.com/bimmerbailey/strand/internal/logging"
	"github.com/bimmerbailey/strand/internal/prompt"
)

// scriptProvider answers each chat with reply(prompt) after delay(prompt).
type scriptProvider struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
	delay   func(prompt string) time.Duration
}

func (p *scriptProvider) Chat(ctx context.Context, messages []llm.Message, opts *llm.ChatOptions) (*llm.Response, error) {
	text := messages[len(messages)-1].Content
	p.mu.Lock()
	p.prompts = append(p.prompts, text)
	p.mu.Unlock()

	if p.delay != nil {
		select {
		case <-time.After(p.delay(text)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out, err := p.reply(text)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: out}, nil
}

func (p *scriptProvider) Heartbeat(ctx context.Context) error { return nil }

func (p *scriptProvider) ModelAvailable(ctx context.Context, model string) (bool, error) {
	return true, nil
}

func (p *scriptProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

func replyWith(text string) *scriptProvider {
	return &scriptProvider{reply: func(string) (string, error) { return text, nil }}
}

func newClient(t *testing.T, name string, p llm.Provider) llm.Client {
	t.Helper()
	c, err := llm.NewClient(llm.ModelHandle{Name: name, Backend: "stub", Model: name}, p)
	require.NoError(t, err)
	return c
}

func newExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	e, err := NewExecutor(logging.NewNop(), opts...)
	require.NoError(t, err)
	return e
}

func tmpl(raw string) Template {
	return prompt.MustParse(raw)
}

// memSink keeps written artifacts in memory.
type memSink struct {
	mu     sync.Mutex
	writes map[string]string
}

func (s *memSink) Write(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == nil {
		s.writes = make(map[string]string)
	}
	s.writes[id] = content
	return nil
}

// stepLog records the steps shown to a Presenter.
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) Display(ctx context.Context, step string, result llm.PromptResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *stepLog) Steps() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}
