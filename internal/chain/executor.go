// Package chain implements prompt-chain control flow over llm.Client values:
// sequential steps, parallel fan-out with a combine step, cost-ordered
// fallback, classification routing, human feedback loops, and
// generate-execute-repair.
//
// Every pattern returns a *Run holding the ordered State of step results and
// the Trace of attempts, whether it succeeded or not.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bimmerbailey/strand/internal/llm"
)

// Pattern names as recorded on a Run.
const (
	PatternSequence = "sequence"
	PatternFanOut   = "fanout"
	PatternFallback = "fallback"
	PatternBranch   = "branch"
	PatternIterate  = "iterate"
	PatternRepair   = "repair"
)

// Patterns lists the available patterns in presentation order.
var Patterns = []string{PatternSequence, PatternFanOut, PatternFallback, PatternBranch, PatternIterate, PatternRepair}

// Status is the final state of a Run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one execution of a pattern.
type Run struct {
	ID         string    `json:"id"`
	Pipeline   string    `json:"pipeline,omitempty"`
	Pattern    string    `json:"pattern"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"` // a feedback loop hit its iteration limit
	Error      string    `json:"error,omitempty"`
	State      *State    `json:"state"`
	Trace      *Trace    `json:"trace"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Template renders a prompt from named variables. *prompt.Template
// satisfies it.
type Template interface {
	Render(vars map[string]string) (string, error)
	Variables() []string
}

// references reports whether t names any of vars.
func references(t Template, vars ...string) bool {
	for _, v := range t.Variables() {
		for _, want := range vars {
			if v == want {
				return true
			}
		}
	}
	return false
}

// requireVars fails when t does not name every one of vars.
func requireVars(pattern, what string, t Template, vars ...string) error {
	for _, v := range vars {
		if !references(t, v) {
			return invalid(pattern, "%s prompt must use {%s}", what, v)
		}
	}
	return nil
}

// Step is one model invocation within a pattern.
type Step struct {
	Name   string
	Client llm.Client
	Prompt Template
	Shape  *llm.Shape
}

func (s Step) validate(pattern string) error {
	if s.Name == "" {
		return invalid(pattern, "step needs a name")
	}
	if s.Client == nil {
		return invalid(pattern, "step %s has no client", s.Name)
	}
	if s.Prompt == nil {
		return invalid(pattern, "step %s has no prompt", s.Name)
	}
	return nil
}

// Sink receives final artifacts.
type Sink interface {
	Write(ctx context.Context, id, content string) error
}

// Presenter shows intermediate results as they are produced.
type Presenter interface {
	Display(ctx context.Context, step string, result llm.PromptResult)
}

// Recorder observes attempts and finished runs, typically for metrics.
type Recorder interface {
	ObserveAttempt(pattern string, a Attempt)
	ObserveRun(run *Run)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string, Attempt) {}
func (nopRecorder) ObserveRun(*Run) {}

// Executor runs patterns. It holds no per-run state and may run patterns
// concurrently.
type Executor struct {
	logger      *slog.Logger
	sink        Sink
	presenter   Presenter
	recorder    Recorder
	maxInFlight int
	interval    time.Duration
	now         func() time.Time
	newID       func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink sets where final artifacts are written.
func WithSink(s Sink) Option {
	return func(e *Executor) {
		e.sink = s
	}
}

// WithPresenter sets where intermediate results are shown.
func WithPresenter(p Presenter) Option {
	return func(e *Executor) {
		e.presenter = p
	}
}

// WithRecorder sets the attempt and run observer.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithMaxInFlight bounds concurrent fan-out workers. Zero or less means
// unbounded.
func WithMaxInFlight(n int) Option {
	return func(e *Executor) {
		e.maxInFlight = n
	}
}

// WithWorkerInterval spaces out fan-out worker starts.
func WithWorkerInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.interval = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		e.newID = fn
	}
}

// NewExecutor creates an Executor.
func NewExecutor(logger *slog.Logger, opts ...Option) (*Executor, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	e := &Executor{
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) start(pattern, pipeline, input string) *Run {
	run := &Run{
		ID:        e.newID(),
		Pipeline:  pipeline,
		Pattern:   pattern,
		Status:    StatusRunning,
		State:     NewState(input),
		Trace:     NewTrace(),
		StartedAt: e.now(),
	}
	e.logger.Debug("run started", "run", run.ID, "pattern", pattern, "pipeline", pipeline)
	return run
}

// finish closes out run. On success the output is written to the sink
// under outputID, if both are set.
func (e *Executor) finish(ctx context.Context, run *Run, outputID, output string, err error) (*Run, error) {
	if err == nil {
		run.Output = output
		if e.sink != nil && outputID != "" {
			// the result is complete even if the caller's context is already done
			if werr := e.sink.Write(context.WithoutCancel(ctx), outputID, output); werr != nil {
				err = fmt.Errorf("write output %s: %w", outputID, werr)
			} else {
				run.State.AddArtifact(Artifact{Step: outputID, Kind: "output", Content: output, At: e.now()})
			}
		}
	}

	run.FinishedAt = e.now()
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		e.logger.Debug("run failed", "run", run.ID, "pattern", run.Pattern, "attempts", run.Trace.Len(), "error", err)
	} else {
		run.Status = StatusSucceeded
		e.logger.Debug("run completed", "run", run.ID, "pattern", run.Pattern, "attempts", run.Trace.Len(), "duration", run.Duration())
	}
	e.recorder.ObserveRun(run)
	return run, err
}

// render builds a step's prompt from vars.
func render(step Step, vars map[string]string) (string, error) {
	prompt, err := step.Prompt.Render(vars)
	if err != nil {
		return "", fmt.Errorf("step %s: %w", step.Name, err)
	}
	return prompt, nil
}

// call invokes step with an already rendered prompt. Nothing is recorded.
// The returned entry holds whatever text the model produced, even on a
// malformed response.
func (e *Executor) call(ctx context.Context, step Step, prompt string) (Entry, Attempt, error) {
	start := e.now()
	res, err := step.Client.Invoke(ctx, llm.PromptRequest{Prompt: prompt, Shape: step.Shape})

	attempt := Attempt{
		Step:     step.Name,
		Model:    step.Client.Handle().Name,
		Success:  err == nil,
		Duration: e.now().Sub(start),
	}
	entry := Entry{Step: step.Name, Prompt: prompt, Result: res}
	if err != nil {
		attempt.Error = err.Error()
		entry.Error = err.Error()
	}
	return entry, attempt, err
}

// observe reports an attempt to the recorder and log.
func (e *Executor) observe(run *Run, a Attempt) {
	e.recorder.ObserveAttempt(run.Pattern, a)
	e.logger.Debug("attempt", "run", run.ID, "step", a.Step, "model", a.Model, "success", a.Success, "duration", a.Duration)
}

// record adds an attempt to the run's trace.
func (e *Executor) record(run *Run, a Attempt) {
	run.Trace.Record(a)
	e.observe(run, a)
}

// keep appends entry to the run's state and presents it when it holds a
// usable result.
func (e *Executor) keep(ctx context.Context, run *Run, entry Entry) error {
	if err := run.State.Append(entry); err != nil {
		return err
	}
	if e.presenter != nil && entry.Error == "" {
		e.presenter.Display(ctx, entry.Step, entry.Result)
	}
	return nil
}

// step renders, invokes, records and keeps one step.
func (e *Executor) step(ctx context.Context, run *Run, step Step, vars map[string]string) (llm.PromptResult, error) {
	prompt, err := render(step, vars)
	if err != nil {
		return llm.PromptResult{}, err
	}
	return e.stepPrompt(ctx, run, step, prompt)
}

// stepPrompt is step with an already rendered prompt.
func (e *Executor) stepPrompt(ctx context.Context, run *Run, step Step, prompt string) (llm.PromptResult, error) {
	entry, attempt, err := e.call(ctx, step, prompt)
	e.record(run, attempt)
	if err != nil {
		return llm.PromptResult{}, err
	}
	if err := e.keep(ctx, run, entry); err != nil {
		return llm.PromptResult{}, err
	}
	return entry.Result, nil
}
