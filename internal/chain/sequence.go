package chain

import (
	"context"
	"fmt"

	"github.com/bimmerbailey/strand/internal/llm"
)

// SequenceStep is one link of a Sequence. Its prompt sees {previous}, the
// verbatim text of the step before it, and every step after the first must
// use it (or the prior step's name).
type SequenceStep struct {
	Name   string
	Prompt Template
	Shape  *llm.Shape
}

// SequenceSpec configures a Sequence run.
type SequenceSpec struct {
	Name   string
	Input  string
	Client llm.Client
	Steps  []SequenceStep
	Output string // sink ID for the final step's text
}

func (s SequenceSpec) validate() error {
	if s.Client == nil {
		return invalid(PatternSequence, "no client")
	}
	if len(s.Steps) == 0 {
		return invalid(PatternSequence, "no steps")
	}
	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if err := (Step{Name: step.Name, Client: s.Client, Prompt: step.Prompt}).validate(PatternSequence); err != nil {
			return err
		}
		if seen[step.Name] {
			return invalid(PatternSequence, "duplicate step %s", step.Name)
		}
		seen[step.Name] = true
		if i > 0 && !references(step.Prompt, "previous", s.Steps[i-1].Name) {
			return invalid(PatternSequence, "step %s must use {previous} or {%s}", step.Name, s.Steps[i-1].Name)
		}
	}
	return nil
}

// Sequence runs steps in order against one client, each step's prompt
// embedding the previous step's result. The first failure aborts the run
// and nothing is written to the sink.
func (e *Executor) Sequence(ctx context.Context, spec SequenceSpec) (*Run, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	run := e.start(PatternSequence, spec.Name, spec.Input)
	var last llm.PromptResult
	for _, s := range spec.Steps {
		step := Step{Name: s.Name, Client: spec.Client, Prompt: s.Prompt, Shape: s.Shape}
		res, err := e.step(ctx, run, step, run.State.Vars())
		if err != nil {
			return e.finish(ctx, run, "", "", fmt.Errorf("sequence step %s: %w", s.Name, err))
		}
		last = res
	}
	return e.finish(ctx, run, spec.Output, last.Text, nil)
}
