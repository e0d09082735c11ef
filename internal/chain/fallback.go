package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bimmerbailey/strand/internal/llm"
)

// Candidate is one model to try in a Fallback.
type Candidate struct {
	Client llm.Client
	Prompt Template // variables: input
	Shape  *llm.Shape
}

// FallbackSpec configures a Fallback run. Candidates are ordered from
// cheapest to most capable.
type FallbackSpec struct {
	Name       string
	Input      string
	Candidates []Candidate
	Evaluator  Evaluator
	Output     string
}

func (s FallbackSpec) validate() error {
	if len(s.Candidates) == 0 {
		return invalid(PatternFallback, "no candidates")
	}
	if s.Evaluator == nil {
		return invalid(PatternFallback, "no evaluator")
	}
	for i, c := range s.Candidates {
		if c.Client == nil || c.Prompt == nil {
			return invalid(PatternFallback, "candidate %d needs a client and a prompt", i+1)
		}
	}
	return nil
}

// Fallback tries each candidate in order until the evaluator accepts a
// result. A candidate that fails with a backend or malformed-response error
// counts as a rejected attempt. Each candidate is tried once. When none is
// accepted the error is an *AllFallbacksExhaustedError holding the trace.
func (e *Executor) Fallback(ctx context.Context, spec FallbackSpec) (*Run, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	run := e.start(PatternFallback, spec.Name, spec.Input)
	vars := map[string]string{"input": spec.Input}

	for i, c := range spec.Candidates {
		step := Step{Name: fmt.Sprintf("candidate.%d", i+1), Client: c.Client, Prompt: c.Prompt, Shape: c.Shape}
		prompt, err := render(step, vars)
		if err != nil {
			return e.finish(ctx, run, "", "", err)
		}

		entry, attempt, err := e.call(ctx, step, prompt)
		if err != nil {
			e.record(run, attempt)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.finish(ctx, run, "", "", ctxErr)
			}
			if !errors.Is(err, llm.ErrBackend) && !errors.Is(err, llm.ErrMalformedResponse) {
				return e.finish(ctx, run, "", "", err)
			}
			e.logger.Info("fallback candidate failed", "run", run.ID, "model", attempt.Model, "error", err)
			if entry.Result.Text != "" {
				if err := e.keep(ctx, run, entry); err != nil {
					return e.finish(ctx, run, "", "", err)
				}
			}
			continue
		}

		outcome := spec.Evaluator.Evaluate(ctx, entry.Result)
		attempt.Success = outcome.Success
		if !outcome.Success {
			attempt.Error = outcome.Diagnostic
			entry.Error = "rejected: " + outcome.Diagnostic
		}
		e.record(run, attempt)
		if err := e.keep(ctx, run, entry); err != nil {
			return e.finish(ctx, run, "", "", err)
		}

		if outcome.Success {
			return e.finish(ctx, run, spec.Output, entry.Result.Text, nil)
		}
		e.logger.Info("fallback candidate rejected", "run", run.ID, "model", attempt.Model, "diagnostic", outcome.Diagnostic)
	}

	return e.finish(ctx, run, "", "", &AllFallbacksExhaustedError{Attempts: run.Trace.Attempts()})
}
