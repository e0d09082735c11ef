package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimmerbailey/strand/internal/llm"
)

// acceptText accepts results whose text is exactly want.
func acceptText(want string) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) Outcome {
		if res.Text == want {
			return Outcome{Success: true}
		}
		return Outcome{Diagnostic: "got " + res.Text}
	})
}

func candidates(t *testing.T, providers map[string]llm.Provider, order ...string) []Candidate {
	t.Helper()
	out := make([]Candidate, 0, len(order))
	for _, name := range order {
		out = append(out, Candidate{Client: newClient(t, name, providers[name]), Prompt: tmpl("Answer: {input}")})
	}
	return out
}

func attemptModels(attempts []Attempt) []string {
	models := make([]string, len(attempts))
	for i, a := range attempts {
		models[i] = a.Model
	}
	return models
}

func TestFallbackThirdCandidateAccepted(t *testing.T) {
	a, b, c := replyWith("wrong"), replyWith("still wrong"), replyWith("right")
	sink := &memSink{}
	e := newExecutor(t, WithSink(sink))

	run, err := e.Fallback(context.Background(), FallbackSpec{
		Input:      "what is 2+2",
		Candidates: candidates(t, map[string]llm.Provider{"A": a, "B": b, "C": c}, "A", "B", "C"),
		Evaluator:  acceptText("right"),
		Output:     "answer.txt",
	})
	require.NoError(t, err)

	attempts := run.Trace.Attempts()
	assert.Equal(t, []string{"A", "B", "C"}, attemptModels(attempts))
	assert.False(t, attempts[0].Success)
	assert.False(t, attempts[1].Success)
	assert.True(t, attempts[2].Success)
	assert.Equal(t, "got wrong", attempts[0].Error)

	assert.Equal(t, "right", run.Output)
	assert.Equal(t, "right", sink.writes["answer.txt"])
	assert.Equal(t, 3, run.State.Len(), "rejected candidates stay in the history")
}

func TestFallbackStopsAtFirstAcceptance(t *testing.T) {
	a, b := replyWith("right"), replyWith("right")
	e := newExecutor(t)

	run, err := e.Fallback(context.Background(), FallbackSpec{
		Candidates: candidates(t, map[string]llm.Provider{"A": a, "B": b}, "A", "B"),
		Evaluator:  acceptText("right"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Trace.Len())
	assert.Empty(t, b.Prompts())
}

func TestFallbackExhausted(t *testing.T) {
	providers := map[string]llm.Provider{"A": replyWith("x"), "B": replyWith("y"), "C": replyWith("z")}
	sink := &memSink{}
	e := newExecutor(t, WithSink(sink))

	run, err := e.Fallback(context.Background(), FallbackSpec{
		Candidates: candidates(t, providers, "A", "B", "C"),
		Evaluator:  acceptText("never"),
		Output:     "answer.txt",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllFallbacksExhausted))

	var exhausted *AllFallbacksExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"A", "B", "C"}, attemptModels(exhausted.Attempts))
	assert.Equal(t, StatusFailed, run.Status)
	assert.Empty(t, sink.writes)
}

func TestFallbackBackendErrorMovesOn(t *testing.T) {
	broken := &scriptProvider{reply: func(string) (string, error) { return "", errors.New("503") }}
	malformed := replyWith("not json at all")
	good := replyWith(`{"answer": "4"}`)
	e := newExecutor(t)

	cands := candidates(t, map[string]llm.Provider{"A": broken, "B": malformed, "C": good}, "A", "B", "C")
	for i := range cands {
		cands[i].Shape = &llm.Shape{Fields: []string{"answer"}}
	}

	run, err := e.Fallback(context.Background(), FallbackSpec{
		Candidates: cands,
		Evaluator: EvaluatorFunc(func(ctx context.Context, res llm.PromptResult) Outcome {
			return Outcome{Success: llm.StringField(res.Fields, "answer") == "4"}
		}),
	})
	require.NoError(t, err)

	attempts := run.Trace.Attempts()
	require.Len(t, attempts, 3)
	assert.Contains(t, attempts[0].Error, "503")
	assert.Contains(t, attempts[1].Error, "malformed")
	assert.True(t, attempts[2].Success)
}

func TestFallbackCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptProvider{reply: func(string) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	b := replyWith("right")
	e := newExecutor(t)

	_, err := e.Fallback(ctx, FallbackSpec{
		Candidates: candidates(t, map[string]llm.Provider{"A": a, "B": b}, "A", "B"),
		Evaluator:  acceptText("right"),
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, b.Prompts())
}

func TestFallbackValidation(t *testing.T) {
	e := newExecutor(t)
	_, err := e.Fallback(context.Background(), FallbackSpec{Evaluator: acceptText("x")})
	assert.True(t, errors.Is(err, ErrInvalidPattern))

	_, err = e.Fallback(context.Background(), FallbackSpec{
		Candidates: candidates(t, map[string]llm.Provider{"A": replyWith("x")}, "A"),
	})
	assert.True(t, errors.Is(err, ErrInvalidPattern))
}
