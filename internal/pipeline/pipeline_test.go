package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/execute"
	"github.com/bimmerbailey/strand/internal/llm"
	"github.com/bimmerbailey/strand/internal/logging"
)

// modelProvider answers with reply(model, prompt) and records every prompt
// per model.
type modelProvider struct {
	mu      sync.Mutex
	prompts map[string][]string
	reply   func(model, prompt string) string
}

func (p *modelProvider) Chat(ctx context.Context, messages []llm.Message, opts *llm.ChatOptions) (*llm.Response, error) {
	text := messages[len(messages)-1].Content
	p.mu.Lock()
	if p.prompts == nil {
		p.prompts = make(map[string][]string)
	}
	p.prompts[opts.Model] = append(p.prompts[opts.Model], text)
	p.mu.Unlock()
	return &llm.Response{Content: p.reply(opts.Model, text)}, nil
}

func (p *modelProvider) Heartbeat(ctx context.Context) error { return nil }

func (p *modelProvider) ModelAvailable(ctx context.Context, model string) (bool, error) {
	return true, nil
}

func (p *modelProvider) Prompts(model string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts[model]...)
}

func testEnv(t *testing.T, p *modelProvider) Env {
	t.Helper()
	cfg := &config.Config{LLM: config.LLMConfig{Models: map[string]config.ModelConfig{
		"haiku":  {Backend: "anthropic", Model: "haiku-model", Class: "cheap-fast"},
		"sonnet": {Backend: "anthropic", Model: "sonnet-model", Class: "moderate"},
		"opus":   {Backend: "anthropic", Model: "opus-model", Class: "expensive-accurate"},
	}}}
	factory := func(*config.Config, config.ModelConfig, *slog.Logger) (llm.Provider, error) {
		return p, nil
	}
	reg, err := llm.NewRegistry(cfg, factory, logging.NewNop())
	require.NoError(t, err)
	return Env{Models: reg, Chain: config.ChainConfig{MaxInFlight: 2}}
}

func newExecutor(t *testing.T) *chain.Executor {
	t.Helper()
	e, err := chain.NewExecutor(logging.NewNop())
	require.NoError(t, err)
	return e
}

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

const planExecute = `
name: plan_execute
pattern: sequence
model: sonnet
input: a birthday party
output: result.md
steps:
  - name: plan
    prompt: "Make a plan for {input}."
  - name: execute
    prompt: "Carry out this plan:\n\n{previous}"
`

func TestParseValid(t *testing.T) {
	def := mustParse(t, planExecute)
	assert.Equal(t, "plan_execute", def.Name)
	assert.Equal(t, chain.PatternSequence, def.Pattern)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "execute", def.Steps[1].Name)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty document"},
		{"unknown key", "name: x\npattern: sequence\nmodle: sonnet\n", "modle"},
		{"bad name", "name: my pipeline\npattern: sequence\n", "must be an identifier"},
		{"no pattern", "name: x\n", "pattern not specified"},
		{"unknown pattern", "name: x\npattern: loop\n", "unknown pattern"},
		{"sequence without steps", "name: x\npattern: sequence\nmodel: sonnet\n", "at least one step"},
		{"sequence without model", "name: x\npattern: sequence\nsteps:\n  - {name: a, prompt: hi}\n", "pipeline model"},
		{"reserved step", "name: x\npattern: sequence\nmodel: m\nsteps:\n  - {name: previous, prompt: hi}\n", "reserved"},
		{"duplicate step", "name: x\npattern: sequence\nmodel: m\nsteps:\n  - {name: a, prompt: hi}\n  - {name: a, prompt: ho}\n", "duplicate step"},
		{"mixed models", "name: x\npattern: sequence\nmodel: m\nsteps:\n  - {name: a, model: n, prompt: hi}\n", "share the pipeline model"},
		{"bad template", "name: x\npattern: sequence\nmodel: m\nsteps:\n  - {name: a, prompt: 'hi {input'}\n", "template syntax"},
		{"fanout without worker", "name: x\npattern: fanout\nmodel: m\nplan: {prompt: p}\n", "worker is required"},
		{"fanout bad policy", "name: x\npattern: fanout\nmodel: m\npolicy: retry\nplan: {prompt: p}\nworker: {prompt: w}\n", "unknown worker policy"},
		{"fallback without model", "name: x\npattern: fallback\nprompt: p\ncandidates:\n  - {prompt: p}\n", "model is required"},
		{"fallback bad evaluator", "name: x\npattern: fallback\nprompt: p\ncandidates:\n  - {model: m}\nevaluate:\n  - {kind: vibes}\n", "unknown evaluator kind"},
		{"fallback bad regex", "name: x\npattern: fallback\nprompt: p\ncandidates:\n  - {model: m}\nevaluate:\n  - {kind: matches, value: '('}\n", "evaluate 1"},
		{"branch without default", "name: x\npattern: branch\nmodel: m\nclassify: {prompt: c}\nroutes:\n  - {label: a, prompt: p}\n", "default route"},
		{"branch duplicate label", "name: x\npattern: branch\nmodel: m\nclassify: {prompt: c}\ndefault: {prompt: d}\nroutes:\n  - {label: A, prompt: p}\n  - {label: ' a', prompt: p}\n", "duplicate label"},
		{"iterate file without path", "name: x\npattern: iterate\nmodel: m\ninitial: {prompt: p}\nfeedback: {source: file}\n", "needs a path"},
		{"iterate negative limit", "name: x\npattern: iterate\nmodel: m\ninitial: {prompt: p}\nmax_iterations: -1\n", "must not be negative"},
		{"repair without runner", "name: x\npattern: repair\nmodel: m\ngenerate: {prompt: p}\n", "needs a runner"},
		{"step ignores prior output", "name: x\npattern: sequence\nmodel: m\nsteps:\n  - {name: a, prompt: 'hi {input}'}\n  - {name: b, prompt: 'again {input}'}\n", "must use {previous} or {a}"},
		{"refine without previous", "name: x\npattern: iterate\nmodel: m\ninitial: {prompt: p}\nrefine: {prompt: ' feedback: {feedback}'}\n", "must use {previous}"},
		{"refine without feedback", "name: x\npattern: iterate\nmodel: m\ninitial: {prompt: p}\nrefine: {prompt: ' was: {previous}'}\n", "must use {feedback}"},
		{"repair without diagnostic", "name: x\npattern: repair\nmodel: m\nrunner: sh\ngenerate: {prompt: p}\nrepair: {prompt: 'fix {artifact} for {request}'}\n", "must use {diagnostic}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidationErrorsWrapErrInvalid(t *testing.T) {
	_, err := Parse([]byte("name: x\npattern: loop\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planExecute), 0o644))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a birthday party", def.Input)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunSequence(t *testing.T) {
	p := &modelProvider{reply: func(model, prompt string) string {
		if strings.HasPrefix(prompt, "Make a plan") {
			return "1. cake\n2. balloons"
		}
		return "done: " + prompt[len(prompt)-8:]
	}}

	run, err := Run(context.Background(), newExecutor(t), mustParse(t, planExecute), "", testEnv(t, p))
	require.NoError(t, err)

	assert.Equal(t, chain.StatusSucceeded, run.Status)
	assert.Equal(t, "plan_execute", run.Pipeline)
	assert.Equal(t, 2, run.State.Len())

	prompts := p.Prompts("sonnet-model")
	require.Len(t, prompts, 2)
	assert.Equal(t, "Make a plan for a birthday party.", prompts[0])
	assert.Equal(t, "Carry out this plan:\n\n1. cake\n2. balloons", prompts[1])
	assert.Equal(t, "done: balloons", run.Output)
}

func TestRunInputOverride(t *testing.T) {
	p := &modelProvider{reply: func(model, prompt string) string { return prompt }}

	run, err := Run(context.Background(), newExecutor(t), mustParse(t, planExecute), "a picnic", testEnv(t, p))
	require.NoError(t, err)
	assert.Equal(t, "a picnic", run.State.Input())
}

func TestRunFanOut(t *testing.T) {
	def := mustParse(t, `
name: ideas
pattern: fanout
model: haiku
plan:
  model: sonnet
  prompt: "Split {input} into tasks."
worker:
  name: draft
  prompt: "Do {task}"
`)
	p := &modelProvider{reply: func(model, prompt string) string {
		switch {
		case model == "sonnet-model":
			return `{"tasks": ["a", "b", "c"]}`
		case strings.HasPrefix(prompt, "Do "):
			return "did " + strings.TrimPrefix(prompt, "Do ")
		default:
			return "combined"
		}
	}}

	run, err := Run(context.Background(), newExecutor(t), def, "chores", testEnv(t, p))
	require.NoError(t, err)
	assert.Equal(t, "combined", run.Output)

	haiku := p.Prompts("haiku-model")
	require.Len(t, haiku, 4)
	combine := haiku[3]
	assert.True(t, strings.HasPrefix(combine, "Clean up and combine"), combine)
	assert.Contains(t, combine, "did a\n\ndid b\n\ndid c")
}

func TestRunFallback(t *testing.T) {
	def := mustParse(t, `
name: answer
pattern: fallback
prompt: "{input}"
candidates:
  - model: haiku
  - model: sonnet
  - model: opus
    prompt: "Think hard: {input}"
evaluate:
  - kind: contains
    value: "42"
`)
	p := &modelProvider{reply: func(model, prompt string) string {
		if model == "opus-model" {
			return "It is 42."
		}
		return "no idea"
	}}

	run, err := Run(context.Background(), newExecutor(t), def, "meaning of life?", testEnv(t, p))
	require.NoError(t, err)
	assert.Equal(t, "It is 42.", run.Output)

	attempts := run.Trace.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, []string{"haiku", "sonnet", "opus"}, []string{attempts[0].Model, attempts[1].Model, attempts[2].Model})
	assert.Equal(t, []string{"Think hard: meaning of life?"}, p.Prompts("opus-model"))
}

func TestRunBranch(t *testing.T) {
	def := mustParse(t, `
name: sentiment
pattern: branch
model: haiku
classify:
  prompt: "Classify: {input}"
  field: sentiment
routes:
  - label: positive
    prompt: "Thank them for: {input}"
  - label: negative
    model: sonnet
    prompt: "Apologize for: {input}"
default:
  prompt: "Acknowledge: {input}"
`)
	tests := []struct {
		label string
		want  string
	}{
		{"Positive", "Thank them for: review"},
		{" NEGATIVE ", "Apologize for: review"},
		{"mixed", "Acknowledge: review"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			p := &modelProvider{reply: func(model, prompt string) string {
				if strings.HasPrefix(prompt, "Classify") {
					return `{"sentiment": "` + tt.label + `"}`
				}
				return prompt
			}}

			run, err := Run(context.Background(), newExecutor(t), def, "review", testEnv(t, p))
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Output)
			assert.Equal(t, 2, run.State.Len())
		})
	}
}

func TestRunIterateWithMessages(t *testing.T) {
	def := mustParse(t, `
name: refine
pattern: iterate
model: haiku
initial:
  prompt: "Write a slogan for {input}"
refine:
  model: sonnet
feedback:
  source: messages
  messages: [shorter, done]
`)
	p := &modelProvider{reply: func(model, prompt string) string { return model }}

	run, err := Run(context.Background(), newExecutor(t), def, "tea", testEnv(t, p))
	require.NoError(t, err)
	assert.Equal(t, "sonnet-model", run.Output)

	refine := p.Prompts("sonnet-model")
	require.Len(t, refine, 1)
	assert.Contains(t, refine[0], "Write a slogan for tea")
	assert.Contains(t, refine[0], "Previous result: haiku-model")
	assert.Contains(t, refine[0], "based on this feedback: shorter")
}

func TestRunIterateLimitFromConfig(t *testing.T) {
	def := mustParse(t, `
name: refine
pattern: iterate
model: haiku
initial:
  prompt: "{input}"
`)
	p := &modelProvider{reply: func(model, prompt string) string { return "v" }}
	env := testEnv(t, p)
	env.Chain.MaxIterations = 1
	env.Feedback = &endless{}

	run, err := Run(context.Background(), newExecutor(t), def, "x", env)
	require.NoError(t, err)
	assert.True(t, run.Truncated)
	assert.Len(t, p.Prompts("haiku-model"), 2)
}

// endless never says done.
type endless struct{}

func (endless) Next(ctx context.Context) (string, error) { return "again", nil }

func TestRunRepair(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	def := mustParse(t, `
name: script
pattern: repair
model: haiku
runner: sh
generate:
  prompt: "Write a script that {input}"
repair:
  model: sonnet
`)
	p := &modelProvider{reply: func(model, prompt string) string {
		if model == "sonnet-model" {
			return "```sh\necho fixed\n```"
		}
		return "exit 3"
	}}
	runners, err := execute.NewRegistry(config.ExecuteConfig{
		Timeout: 10 * time.Second,
		Runners: map[string]config.RunnerConfig{"sh": {Command: "sh", Args: []string{"-c"}}},
	}, logging.NewNop())
	require.NoError(t, err)
	env := testEnv(t, p)
	env.Runners = runners

	run, err := Run(context.Background(), newExecutor(t), def, "prints fixed", env)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Trace.Len())

	repair := p.Prompts("sonnet-model")
	require.Len(t, repair, 1)
	assert.Contains(t, repair[0], "Write a script that prints fixed")
	assert.Contains(t, repair[0], "Artifact: exit 3")
}

func TestRunBindingErrors(t *testing.T) {
	p := &modelProvider{reply: func(model, prompt string) string { return "x" }}

	t.Run("no input", func(t *testing.T) {
		def := mustParse(t, strings.Replace(planExecute, "input: a birthday party\n", "", 1))
		_, err := Run(context.Background(), newExecutor(t), def, "", testEnv(t, p))
		assert.ErrorIs(t, err, ErrNoInput)
	})

	t.Run("unknown model", func(t *testing.T) {
		def := mustParse(t, strings.Replace(planExecute, "model: sonnet", "model: gpt9", 1))
		_, err := Run(context.Background(), newExecutor(t), def, "", testEnv(t, p))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown model "gpt9"`)
		assert.Empty(t, p.Prompts("sonnet-model"))
	})

	t.Run("no runners", func(t *testing.T) {
		def := mustParse(t, "name: x\npattern: repair\nmodel: haiku\nrunner: sh\ngenerate: {prompt: p}\n")
		_, err := Run(context.Background(), newExecutor(t), def, "in", testEnv(t, p))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no runners are configured")
	})

	t.Run("nil executor", func(t *testing.T) {
		_, err := Run(context.Background(), nil, mustParse(t, planExecute), "", testEnv(t, p))
		assert.Error(t, err)
	})
}

func TestEvaluatorKinds(t *testing.T) {
	def := mustParse(t, `
name: x
pattern: fallback
prompt: p
candidates:
  - model: haiku
evaluate:
  - kind: nonempty
  - kind: matches
    value: "^ok"
`)
	b := &binder{def: def}
	ev, err := b.evaluator()
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, ev.Evaluate(ctx, llm.PromptResult{Text: "ok then"}).Success)
	assert.False(t, ev.Evaluate(ctx, llm.PromptResult{Text: "not ok"}).Success)
	assert.False(t, ev.Evaluate(ctx, llm.PromptResult{Text: ""}).Success)
}

func TestRunnerErrorsAreWrapped(t *testing.T) {
	runners, err := execute.NewRegistry(config.ExecuteConfig{}, logging.NewNop())
	require.NoError(t, err)
	b := &binder{def: &Definition{Name: "x"}, env: Env{Runners: runners}}

	_, err = b.runner("python")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
	assert.True(t, strings.HasPrefix(err.Error(), "x: "))
}

func TestReferences(t *testing.T) {
	def := mustParse(t, `
name: answer
pattern: fallback
prompt: "{input}"
candidates:
  - model: sonnet
  - model: haiku
  - model: sonnet
evaluate:
  - kind: executes
    runner: python
  - kind: nonempty
`)
	assert.Equal(t, []string{"haiku", "sonnet"}, def.Models())
	assert.Equal(t, []string{"python"}, def.Runners())

	seq := mustParse(t, planExecute)
	assert.Equal(t, []string{"sonnet"}, seq.Models())
	assert.Empty(t, seq.Runners())
}

func TestSamplePipelinesParse(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "pipelines", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	patterns := make(map[string]bool)
	for _, f := range files {
		def, err := Load(f)
		require.NoError(t, err, f)
		patterns[def.Pattern] = true
	}
	for _, p := range chain.Patterns {
		assert.True(t, patterns[p], "no sample pipeline for %s", p)
	}
}

func TestRunFallbackExecutesField(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	def := mustParse(t, `
name: command
pattern: fallback
prompt: "Write a shell command that {input}"
candidates:
  - model: haiku
  - model: sonnet
evaluate:
  - kind: executes
    runner: sh
    field: code
`)
	p := &modelProvider{reply: func(model, prompt string) string {
		return `{"code": "echo ok"}`
	}}
	runners, err := execute.NewRegistry(config.ExecuteConfig{
		Timeout: 10 * time.Second,
		Runners: map[string]config.RunnerConfig{"sh": {Command: "sh", Args: []string{"-c"}}},
	}, logging.NewNop())
	require.NoError(t, err)
	env := testEnv(t, p)
	env.Runners = runners

	run, err := Run(context.Background(), newExecutor(t), def, "prints ok", env)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusSucceeded, run.Status)
	assert.Equal(t, 1, run.Trace.Len(), "the first candidate passes")
	assert.Empty(t, p.Prompts("sonnet-model"))

	prompts := p.Prompts("haiku-model")
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], `"code"`)
	assert.Nil(t, def.Candidates[0].Shape, "the definition is not modified")
}

func TestWithFields(t *testing.T) {
	assert.Nil(t, withFields(nil, nil))

	shape := withFields(nil, []string{"code"})
	require.NotNil(t, shape)
	assert.Equal(t, []string{"code"}, shape.Fields)
	assert.Equal(t, `{"code": "<artifact>"}`, shape.Description)

	own := &llm.Shape{Fields: []string{"answer"}, Description: "d"}
	merged := withFields(own, []string{"answer", "code"})
	assert.Equal(t, []string{"answer", "code"}, merged.Fields)
	assert.Equal(t, "d", merged.Description)
	assert.Equal(t, []string{"answer"}, own.Fields)
}
