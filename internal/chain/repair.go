package chain

import (
	"context"
	"fmt"

	"github.com/bimmerbailey/strand/internal/llm"
)

// RepairSpec configures a Repair run.
//
// The repair prompt sees {request} (the generation prompt as sent),
// {artifact} (what failed) and {diagnostic} (why). With ArtifactField set,
// the artifact is that field of the model's JSON answer rather than the
// whole text.
type RepairSpec struct {
	Name          string
	Input         string
	Generate      Step
	Repair        Step
	Runner        ArtifactRunner
	ArtifactField string
	Output        string
}

func (s RepairSpec) validate() error {
	if err := s.Generate.validate(PatternRepair); err != nil {
		return err
	}
	if err := s.Repair.validate(PatternRepair); err != nil {
		return err
	}
	if err := requireVars(PatternRepair, "repair", s.Repair.Prompt, "request", "artifact", "diagnostic"); err != nil {
		return err
	}
	if s.Generate.Name == s.Repair.Name {
		return invalid(PatternRepair, "generate and repair share the name %s", s.Generate.Name)
	}
	if s.Runner == nil {
		return invalid(PatternRepair, "no runner")
	}
	return nil
}

// Repair generates an artifact, executes it, and on failure asks for one
// repair and executes that. The run's trace holds the executions only, so
// it has one or two attempts; generations are kept in the state. A run
// whose last execution failed returns an *ExecutionFailure.
func (e *Executor) Repair(ctx context.Context, spec RepairSpec) (*Run, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	gen, fix := spec.Generate, spec.Repair
	if spec.ArtifactField != "" {
		shape := &llm.Shape{Fields: []string{spec.ArtifactField}, Description: fmt.Sprintf(`{"%s": "<artifact>"}`, spec.ArtifactField)}
		if gen.Shape == nil {
			gen.Shape = shape
		}
		if fix.Shape == nil {
			fix.Shape = shape
		}
	}

	run := e.start(PatternRepair, spec.Name, spec.Input)

	request, err := render(gen, run.State.Vars())
	if err != nil {
		return e.finish(ctx, run, "", "", err)
	}
	generated, err := e.generate(ctx, run, gen, request)
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("generate: %w", err))
	}

	artifact := spec.artifact(generated)
	outcome := e.execute(ctx, run, spec.Runner, 1, generated.Handle.Name, artifact)
	if outcome.Success {
		return e.finish(ctx, run, spec.Output, artifact, nil)
	}

	vars := run.State.Vars()
	vars["request"] = request
	vars["artifact"] = artifact
	vars["diagnostic"] = outcome.Diagnostic
	prompt, err := render(fix, vars)
	if err != nil {
		return e.finish(ctx, run, "", "", err)
	}
	repaired, err := e.generate(ctx, run, fix, prompt)
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("repair: %w", err))
	}

	artifact = spec.artifact(repaired)
	outcome = e.execute(ctx, run, spec.Runner, 2, repaired.Handle.Name, artifact)
	if !outcome.Success {
		return e.finish(ctx, run, "", "", &ExecutionFailure{Attempts: 2, Diagnostic: outcome.Diagnostic})
	}
	return e.finish(ctx, run, spec.Output, artifact, nil)
}

// generate invokes a generation step. Its attempt is observed but kept out
// of the trace.
func (e *Executor) generate(ctx context.Context, run *Run, step Step, prompt string) (llm.PromptResult, error) {
	entry, attempt, err := e.call(ctx, step, prompt)
	e.observe(run, attempt)
	if err != nil {
		return llm.PromptResult{}, err
	}
	if err := e.keep(ctx, run, entry); err != nil {
		return llm.PromptResult{}, err
	}
	return entry.Result, nil
}

// execute runs artifact and records the execution in the trace.
func (e *Executor) execute(ctx context.Context, run *Run, runner ArtifactRunner, n int, model, artifact string) Outcome {
	step := fmt.Sprintf("execute.%d", n)
	start := e.now()
	outcome := runner.Execute(ctx, artifact)

	attempt := Attempt{Step: step, Model: model, Success: outcome.Success, Duration: e.now().Sub(start)}
	if !outcome.Success {
		attempt.Error = outcome.Diagnostic
	}
	e.record(run, attempt)
	run.State.AddArtifact(Artifact{Step: step, Kind: "execution", Content: artifact, At: e.now()})
	if !outcome.Success {
		e.logger.Info("artifact execution failed", "run", run.ID, "attempt", n, "diagnostic", outcome.Diagnostic)
	}
	return outcome
}

func (s RepairSpec) artifact(res llm.PromptResult) string {
	if s.ArtifactField != "" {
		return llm.StringField(res.Fields, s.ArtifactField)
	}
	return res.Text
}
