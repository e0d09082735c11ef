package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/bimmerbailey/strand/internal/llm"
)

// Outcome is the verdict of an Evaluator or an artifact execution.
type Outcome struct {
	Success    bool   `json:"success"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Evaluator decides whether a result is acceptable.
type Evaluator interface {
	Evaluate(ctx context.Context, result llm.PromptResult) Outcome
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, result llm.PromptResult) Outcome

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, result llm.PromptResult) Outcome {
	return f(ctx, result)
}

// ArtifactRunner executes a generated artifact, e.g. a program or command.
type ArtifactRunner interface {
	Execute(ctx context.Context, artifact string) Outcome
}

// RunnerFunc adapts a function to ArtifactRunner.
type RunnerFunc func(ctx context.Context, artifact string) Outcome

// Execute implements ArtifactRunner.
func (f RunnerFunc) Execute(ctx context.Context, artifact string) Outcome {
	return f(ctx, artifact)
}

// Label is a classification result used to pick a Branch route.
type Label string

// NormalizeLabel trims and lower-cases s.
func NormalizeLabel(s string) Label {
	return Label(strings.ToLower(strings.TrimSpace(s)))
}

// Classification is a Classifier's answer. Result is set when a model
// produced the label.
type Classification struct {
	Label  Label
	Result *llm.PromptResult
}

// Classifier maps an input to a label.
type Classifier interface {
	Classify(ctx context.Context, input string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, input string) (Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, input string) (Classification, error) {
	return f(ctx, input)
}

// ModelClassifier asks a model for a label. With Field set the model must
// answer with a JSON object holding the label under that key; otherwise the
// whole response text is the label.
type ModelClassifier struct {
	Client llm.Client
	Prompt Template // variables: input
	Field  string
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, input string) (Classification, error) {
	prompt, err := c.Prompt.Render(map[string]string{"input": input})
	if err != nil {
		return Classification{}, fmt.Errorf("classifier prompt: %w", err)
	}

	req := llm.PromptRequest{Prompt: prompt}
	if c.Field != "" {
		req.Shape = &llm.Shape{
			Fields:      []string{c.Field},
			Description: fmt.Sprintf(`{"%s": "<label>"}`, c.Field),
		}
	}

	res, err := c.Client.Invoke(ctx, req)
	if err != nil {
		if res.Text != "" {
			return Classification{Result: &res}, err
		}
		return Classification{}, err
	}

	raw := res.Text
	if c.Field != "" {
		raw = llm.StringField(res.Fields, c.Field)
	}
	return Classification{Label: NormalizeLabel(raw), Result: &res}, nil
}
