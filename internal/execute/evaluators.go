package execute

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/llm"
)

// NonEmpty accepts any result with non-blank text.
func NonEmpty() chain.Evaluator {
	return chain.EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) chain.Outcome {
		if strings.TrimSpace(res.Text) == "" {
			return chain.Outcome{Diagnostic: "empty response"}
		}
		return chain.Outcome{Success: true}
	})
}

// Contains accepts results whose text contains substr, ignoring case.
func Contains(substr string) chain.Evaluator {
	want := strings.ToLower(substr)
	return chain.EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) chain.Outcome {
		if strings.Contains(strings.ToLower(res.Text), want) {
			return chain.Outcome{Success: true}
		}
		return chain.Outcome{Diagnostic: fmt.Sprintf("response does not contain %q", substr)}
	})
}

// Matches accepts results whose text matches the regular expression.
func Matches(pattern string) (chain.Evaluator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid evaluator pattern: %w", err)
	}
	return chain.EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) chain.Outcome {
		if re.MatchString(res.Text) {
			return chain.Outcome{Success: true}
		}
		return chain.Outcome{Diagnostic: fmt.Sprintf("response does not match %s", pattern)}
	}), nil
}

// Executes accepts results that run successfully. With field set, the
// artifact is that field of the decoded response.
func Executes(r chain.ArtifactRunner, field string) chain.Evaluator {
	return chain.EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) chain.Outcome {
		artifact := res.Text
		if field != "" {
			artifact = llm.StringField(res.Fields, field)
		}
		return r.Execute(ctx, artifact)
	})
}

// All accepts a result only when every evaluator does, stopping at the
// first rejection.
func All(evaluators ...chain.Evaluator) chain.Evaluator {
	return chain.EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) chain.Outcome {
		for _, ev := range evaluators {
			if out := ev.Evaluate(ctx, res); !out.Success {
				return out
			}
		}
		return chain.Outcome{Success: true}
	})
}
