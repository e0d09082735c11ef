package chain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimmerbailey/strand/internal/llm"
)

type branchFixture struct {
	router   *Router
	positive *scriptProvider
	negative *scriptProvider
	fallback *scriptProvider
}

func newBranchFixture(t *testing.T) branchFixture {
	t.Helper()
	f := branchFixture{
		positive: replyWith("thanks!"),
		negative: replyWith("sorry to hear that"),
		fallback: replyWith("noted"),
	}
	router, err := NewRouter(
		Step{Name: "acknowledge", Client: newClient(t, "haiku", f.fallback), Prompt: tmpl("Acknowledge: {input}")},
		Route{Label: "positive", Handler: Step{Name: "thank", Client: newClient(t, "haiku", f.positive), Prompt: tmpl("Thank: {input}")}},
		Route{Label: " Negative", Handler: Step{Name: "apologize", Client: newClient(t, "sonnet", f.negative), Prompt: tmpl("Apologize ({label}): {input}")}},
	)
	require.NoError(t, err)
	f.router = router
	return f
}

func sentimentClassifier(t *testing.T, reply string) Classifier {
	return &ModelClassifier{
		Client: newClient(t, "haiku", replyWith(reply)),
		Prompt: tmpl("Classify the sentiment of: {input}"),
		Field:  "sentiment",
	}
}

func TestBranchRoutes(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantHandler string
		wantOutput  string
	}{
		{name: "positive", reply: `{"sentiment": "positive"}`, wantHandler: "thank", wantOutput: "thanks!"},
		{name: "negative normalized", reply: `{"sentiment": "  NEGATIVE "}`, wantHandler: "apologize", wantOutput: "sorry to hear that"},
		{name: "unknown label", reply: `{"sentiment": "neutral"}`, wantHandler: "acknowledge", wantOutput: "noted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBranchFixture(t)
			e := newExecutor(t)

			run, err := e.Branch(context.Background(), BranchSpec{
				Input:      "the product broke",
				Classifier: sentimentClassifier(t, tt.reply),
				Router:     f.router,
			})
			require.NoError(t, err)

			entries := run.State.Entries()
			require.Len(t, entries, 2)
			assert.Equal(t, "classify", entries[0].Step)
			assert.Equal(t, tt.wantHandler, entries[1].Step)
			assert.Equal(t, tt.wantOutput, run.Output)

			calls := len(f.positive.Prompts()) + len(f.negative.Prompts()) + len(f.fallback.Prompts())
			assert.Equal(t, 1, calls, "exactly one handler runs")
		})
	}
}

func TestBranchHandlerSeesLabel(t *testing.T) {
	f := newBranchFixture(t)
	e := newExecutor(t)

	_, err := e.Branch(context.Background(), BranchSpec{
		Input:      "meh",
		Classifier: sentimentClassifier(t, `{"sentiment": "negative"}`),
		Router:     f.router,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Apologize (negative): meh"}, f.negative.Prompts())
}

func TestBranchClassifierFailure(t *testing.T) {
	f := newBranchFixture(t)
	e := newExecutor(t)

	run, err := e.Branch(context.Background(), BranchSpec{
		Input:      "x",
		Classifier: sentimentClassifier(t, "I think it is positive"),
		Router:     f.router,
	})
	assert.True(t, errors.Is(err, llm.ErrMalformedResponse))
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.Trace.Failures())
	assert.Empty(t, f.fallback.Prompts())
}

func TestBranchFuncClassifier(t *testing.T) {
	f := newBranchFixture(t)
	e := newExecutor(t)

	cls := ClassifierFunc(func(ctx context.Context, input string) (Classification, error) {
		if strings.Contains(input, "love") {
			return Classification{Label: "positive"}, nil
		}
		return Classification{Label: "other"}, nil
	})

	run, err := e.Branch(context.Background(), BranchSpec{Input: "I love it", Classifier: cls, Router: f.router})
	require.NoError(t, err)
	assert.Equal(t, "thanks!", run.Output)
	first, _ := run.State.Get("classify")
	assert.Equal(t, "positive", first.Result.Text)
}

func TestNewRouterValidation(t *testing.T) {
	client := newClient(t, "haiku", replyWith("x"))
	def := Step{Name: "default", Client: client, Prompt: tmpl("x")}
	handler := func(name string) Step { return Step{Name: name, Client: client, Prompt: tmpl("x")} }

	tests := []struct {
		name   string
		def    Step
		routes []Route
	}{
		{name: "missing default", def: Step{}, routes: []Route{{Label: "a", Handler: handler("a")}}},
		{name: "empty label", def: def, routes: []Route{{Label: " ", Handler: handler("a")}}},
		{name: "duplicate label", def: def, routes: []Route{{Label: "a", Handler: handler("a")}, {Label: "A", Handler: handler("b")}}},
		{name: "duplicate handler", def: def, routes: []Route{{Label: "a", Handler: handler("default")}}},
		{name: "reserved name", def: def, routes: []Route{{Label: "a", Handler: handler("classify")}}},
		{name: "handler without client", def: def, routes: []Route{{Label: "a", Handler: Step{Name: "a", Prompt: tmpl("x")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.def, tt.routes...)
			assert.True(t, errors.Is(err, ErrInvalidPattern), "got %v", err)
		})
	}

	r, err := NewRouter(def, Route{Label: "B", Handler: handler("b")}, Route{Label: "a", Handler: handler("a")})
	require.NoError(t, err)
	assert.Equal(t, []Label{"b", "a"}, r.Labels())
	step, matched := r.Route("zzz")
	assert.False(t, matched)
	assert.Equal(t, "default", step.Name)
}
