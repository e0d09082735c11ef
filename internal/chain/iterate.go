package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bimmerbailey/strand/internal/llm"
)

// DoneSentinel ends a feedback loop. Matching ignores case and surrounding
// whitespace.
const DoneSentinel = "done"

// ErrAborted is returned by a FeedbackSource when the human gives up
// without sending DoneSentinel.
var ErrAborted = errors.New("feedback aborted")

// FeedbackSource supplies human feedback one message at a time. Next blocks
// until a message is available. io.EOF, ErrAborted or context cancellation
// end the loop.
type FeedbackSource interface {
	Next(ctx context.Context) (string, error)
}

// IsDone reports whether feedback is the termination sentinel.
func IsDone(feedback string) bool {
	return strings.EqualFold(strings.TrimSpace(feedback), DoneSentinel)
}

// IterateSpec configures an Iterate run.
//
// Prompts grow cumulatively: every round appends Refine, rendered with
// {previous} and {feedback}, to the prompt of the round before. Refine must
// use both.
type IterateSpec struct {
	Name          string
	Input         string
	Initial       Step
	Refiner       llm.Client // nil means Initial.Client
	Refine        Template
	Feedback      FeedbackSource
	MaxIterations int // refinement rounds; zero is unbounded
	Output        string
}

// Iterate produces an initial result and refines it with human feedback
// until the feedback source says done, runs dry, or the context ends. In
// all three cases the last result is returned without error.
func (e *Executor) Iterate(ctx context.Context, spec IterateSpec) (*Run, error) {
	if err := spec.Initial.validate(PatternIterate); err != nil {
		return nil, err
	}
	if spec.Refine == nil {
		return nil, invalid(PatternIterate, "no refine prompt")
	}
	if err := requireVars(PatternIterate, "refine", spec.Refine, "previous", "feedback"); err != nil {
		return nil, err
	}
	if spec.Feedback == nil {
		return nil, invalid(PatternIterate, "no feedback source")
	}
	refiner := spec.Refiner
	if refiner == nil {
		refiner = spec.Initial.Client
	}

	run := e.start(PatternIterate, spec.Name, spec.Input)

	current, err := render(spec.Initial, run.State.Vars())
	if err != nil {
		return e.finish(ctx, run, "", "", err)
	}
	last, err := e.stepPrompt(ctx, run, spec.Initial, current)
	if err != nil {
		return e.finish(ctx, run, "", "", err)
	}

	for round := 1; ; round++ {
		if spec.MaxIterations > 0 && round > spec.MaxIterations {
			run.Truncated = true
			e.logger.Info("feedback loop reached its iteration limit", "run", run.ID, "max_iterations", spec.MaxIterations)
			break
		}

		feedback, err := spec.Feedback.Next(ctx)
		if err != nil {
			if stopsFeedback(ctx, err) {
				e.logger.Debug("feedback ended", "run", run.ID, "reason", err)
				break
			}
			return e.finish(ctx, run, "", "", fmt.Errorf("read feedback: %w", err))
		}
		if IsDone(feedback) {
			break
		}

		addition, err := spec.Refine.Render(map[string]string{
			"input":    spec.Input,
			"previous": last.Text,
			"feedback": feedback,
		})
		if err != nil {
			return e.finish(ctx, run, "", "", fmt.Errorf("refine prompt: %w", err))
		}
		current += addition

		step := Step{Name: fmt.Sprintf("refine.%d", round), Client: refiner, Shape: spec.Initial.Shape}
		last, err = e.stepPrompt(ctx, run, step, current)
		if err != nil {
			return e.finish(ctx, run, "", "", err)
		}
	}

	return e.finish(ctx, run, spec.Output, last.Text, nil)
}

func stopsFeedback(ctx context.Context, err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}
