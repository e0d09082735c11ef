package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/execute"
	"github.com/bimmerbailey/strand/internal/feedback"
	"github.com/bimmerbailey/strand/internal/llm"
	"github.com/bimmerbailey/strand/internal/prompt"
)

// ErrNoInput is returned when neither the caller nor the definition
// supplies an input.
var ErrNoInput = errors.New("pipeline has no input")

// Models resolves configured model names. *llm.Registry satisfies it.
type Models interface {
	Client(name string) (llm.Client, error)
}

// Runners resolves configured runner names. *execute.Registry satisfies it.
type Runners interface {
	Runner(name string) (*execute.Runner, error)
}

// Env is what a definition is bound against.
type Env struct {
	Models  Models
	Runners Runners
	Chain   config.ChainConfig

	// Feedback overrides the definition's feedback source.
	Feedback chain.FeedbackSource
}

// Run binds def to env and runs it. input replaces the definition's input
// when non-empty. Errors from binding (unknown models or runners) are
// returned before any model is invoked.
func Run(ctx context.Context, exec *chain.Executor, def *Definition, input string, env Env) (*chain.Run, error) {
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if env.Models == nil {
		return nil, errors.New("models cannot be nil")
	}
	if input == "" {
		input = def.Input
	}
	if input == "" {
		return nil, fmt.Errorf("%s: %w (set input in the definition or pass --input)", def.Name, ErrNoInput)
	}

	b := &binder{def: def, env: env}
	switch def.Pattern {
	case chain.PatternSequence:
		spec, err := b.sequence(input)
		if err != nil {
			return nil, err
		}
		return exec.Sequence(ctx, spec)
	case chain.PatternFanOut:
		spec, err := b.fanOut(input)
		if err != nil {
			return nil, err
		}
		return exec.FanOut(ctx, spec)
	case chain.PatternFallback:
		spec, err := b.fallback(input)
		if err != nil {
			return nil, err
		}
		return exec.Fallback(ctx, spec)
	case chain.PatternBranch:
		spec, err := b.branch(input)
		if err != nil {
			return nil, err
		}
		return exec.Branch(ctx, spec)
	case chain.PatternIterate:
		spec, closeFeedback, err := b.iterate(input)
		if err != nil {
			return nil, err
		}
		defer closeFeedback()
		return exec.Iterate(ctx, spec)
	case chain.PatternRepair:
		spec, err := b.repair(input)
		if err != nil {
			return nil, err
		}
		return exec.Repair(ctx, spec)
	default:
		return nil, def.errorf("unknown pattern %q", def.Pattern)
	}
}

type binder struct {
	def *Definition
	env Env
}

func (b *binder) client(model string) (llm.Client, error) {
	if model == "" {
		model = b.def.Model
	}
	c, err := b.env.Models.Client(model)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.def.Name, err)
	}
	return c, nil
}

// template parses raw, falling back to def when raw is empty.
func (b *binder) template(raw string, def *prompt.Template) (chain.Template, error) {
	if raw == "" && def != nil {
		return def, nil
	}
	t, err := prompt.Parse(raw)
	if err != nil {
		return nil, b.def.errorf("%v", err)
	}
	return t, nil
}

// step binds s, filling in name and prompt defaults. s may be nil when
// fallbackPrompt is set.
func (b *binder) step(s *StepDef, name string, fallbackPrompt *prompt.Template) (chain.Step, error) {
	var sd StepDef
	if s != nil {
		sd = *s
	}
	if sd.Name == "" {
		sd.Name = name
	}
	c, err := b.client(sd.Model)
	if err != nil {
		return chain.Step{}, err
	}
	t, err := b.template(sd.Prompt, fallbackPrompt)
	if err != nil {
		return chain.Step{}, err
	}
	return chain.Step{Name: sd.Name, Client: c, Prompt: t, Shape: sd.Shape}, nil
}

func (b *binder) sequence(input string) (chain.SequenceSpec, error) {
	c, err := b.client(b.def.Model)
	if err != nil {
		return chain.SequenceSpec{}, err
	}
	spec := chain.SequenceSpec{Name: b.def.Name, Input: input, Client: c, Output: b.def.Output}
	for _, s := range b.def.Steps {
		t, err := b.template(s.Prompt, nil)
		if err != nil {
			return chain.SequenceSpec{}, err
		}
		spec.Steps = append(spec.Steps, chain.SequenceStep{Name: s.Name, Prompt: t, Shape: s.Shape})
	}
	return spec, nil
}

func (b *binder) fanOut(input string) (chain.FanOutSpec, error) {
	policy := b.def.Policy
	if policy == "" {
		policy = b.env.Chain.WorkerPolicy
	}
	p, err := chain.ParseWorkerPolicy(policy)
	if err != nil {
		return chain.FanOutSpec{}, b.def.errorf("%v", err)
	}

	spec := chain.FanOutSpec{
		Name:      b.def.Name,
		Input:     input,
		PlanField: b.def.PlanField,
		Policy:    p,
		Output:    b.def.Output,
	}
	if spec.Plan, err = b.step(b.def.Plan, "plan", nil); err != nil {
		return chain.FanOutSpec{}, err
	}
	if spec.Worker, err = b.step(b.def.Worker, "worker", nil); err != nil {
		return chain.FanOutSpec{}, err
	}
	if spec.Combine, err = b.step(b.def.Combine, "combine", prompt.DefaultCombine); err != nil {
		return chain.FanOutSpec{}, err
	}
	return spec, nil
}

func (b *binder) fallback(input string) (chain.FallbackSpec, error) {
	spec := chain.FallbackSpec{Name: b.def.Name, Input: input, Output: b.def.Output}
	fields := b.executedFields()
	for _, cd := range b.def.Candidates {
		raw := cd.Prompt
		if raw == "" {
			raw = b.def.Prompt
		}
		c, err := b.client(cd.Model)
		if err != nil {
			return chain.FallbackSpec{}, err
		}
		t, err := b.template(raw, nil)
		if err != nil {
			return chain.FallbackSpec{}, err
		}
		spec.Candidates = append(spec.Candidates, chain.Candidate{Client: c, Prompt: t, Shape: withFields(cd.Shape, fields)})
	}

	ev, err := b.evaluator()
	if err != nil {
		return chain.FallbackSpec{}, err
	}
	spec.Evaluator = ev
	return spec, nil
}

// executedFields lists the response fields executes evaluators run.
func (b *binder) executedFields() []string {
	var fields []string
	for _, ed := range b.def.Evaluate {
		if ed.Kind == "executes" && ed.Field != "" && !slices.Contains(fields, ed.Field) {
			fields = append(fields, ed.Field)
		}
	}
	return fields
}

// withFields returns shape extended so the response carries fields. The
// definition's shape is not modified.
func withFields(shape *llm.Shape, fields []string) *llm.Shape {
	if len(fields) == 0 {
		return shape
	}
	if shape == nil {
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = fmt.Sprintf("%q: \"<artifact>\"", f)
		}
		return &llm.Shape{Fields: fields, Description: "{" + strings.Join(parts, ", ") + "}"}
	}
	out := &llm.Shape{Fields: slices.Clone(shape.Fields), Description: shape.Description}
	for _, f := range fields {
		if !slices.Contains(out.Fields, f) {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// evaluator combines the definition's checks; none means non-empty.
func (b *binder) evaluator() (chain.Evaluator, error) {
	if len(b.def.Evaluate) == 0 {
		return execute.NonEmpty(), nil
	}
	evs := make([]chain.Evaluator, 0, len(b.def.Evaluate))
	for _, ed := range b.def.Evaluate {
		switch ed.Kind {
		case "nonempty":
			evs = append(evs, execute.NonEmpty())
		case "contains":
			evs = append(evs, execute.Contains(ed.Value))
		case "matches":
			ev, err := execute.Matches(ed.Value)
			if err != nil {
				return nil, b.def.errorf("%v", err)
			}
			evs = append(evs, ev)
		case "executes":
			r, err := b.runner(ed.Runner)
			if err != nil {
				return nil, err
			}
			evs = append(evs, execute.Executes(r, ed.Field))
		default:
			return nil, b.def.errorf("unknown evaluator kind %q", ed.Kind)
		}
	}
	if len(evs) == 1 {
		return evs[0], nil
	}
	return execute.All(evs...), nil
}

func (b *binder) runner(name string) (*execute.Runner, error) {
	if b.env.Runners == nil {
		return nil, fmt.Errorf("%s: runner %q requested but no runners are configured", b.def.Name, name)
	}
	r, err := b.env.Runners.Runner(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.def.Name, err)
	}
	return r, nil
}

func (b *binder) branch(input string) (chain.BranchSpec, error) {
	cd := b.def.Classify
	c, err := b.client(cd.Model)
	if err != nil {
		return chain.BranchSpec{}, err
	}
	t, err := b.template(cd.Prompt, nil)
	if err != nil {
		return chain.BranchSpec{}, err
	}

	def, err := b.step(b.def.Default, "default", nil)
	if err != nil {
		return chain.BranchSpec{}, err
	}
	routes := make([]chain.Route, 0, len(b.def.Routes))
	for _, rd := range b.def.Routes {
		label := chain.NormalizeLabel(rd.Label)
		step := rd.StepDef
		handler, err := b.step(&step, string(label), nil)
		if err != nil {
			return chain.BranchSpec{}, err
		}
		routes = append(routes, chain.Route{Label: label, Handler: handler})
	}
	router, err := chain.NewRouter(def, routes...)
	if err != nil {
		return chain.BranchSpec{}, fmt.Errorf("%s: %w", b.def.Name, err)
	}

	return chain.BranchSpec{
		Name:       b.def.Name,
		Input:      input,
		Classifier: &chain.ModelClassifier{Client: c, Prompt: t, Field: cd.Field},
		Router:     router,
		Output:     b.def.Output,
	}, nil
}

// iterate also returns a func releasing the feedback source.
func (b *binder) iterate(input string) (chain.IterateSpec, func(), error) {
	nop := func() {}
	initial, err := b.step(b.def.Initial, "initial", nil)
	if err != nil {
		return chain.IterateSpec{}, nop, err
	}

	spec := chain.IterateSpec{
		Name:          b.def.Name,
		Input:         input,
		Initial:       initial,
		Refine:        prompt.DefaultRefine,
		MaxIterations: b.env.Chain.MaxIterations,
		Output:        b.def.Output,
	}
	if b.def.MaxIterations != nil {
		spec.MaxIterations = *b.def.MaxIterations
	}
	if rd := b.def.Refine; rd != nil {
		if rd.Model != "" {
			if spec.Refiner, err = b.client(rd.Model); err != nil {
				return chain.IterateSpec{}, nop, err
			}
		}
		if spec.Refine, err = b.template(rd.Prompt, prompt.DefaultRefine); err != nil {
			return chain.IterateSpec{}, nop, err
		}
	}

	src, closer, err := b.feedback()
	if err != nil {
		return chain.IterateSpec{}, nop, err
	}
	spec.Feedback = src
	return spec, closer, nil
}

func (b *binder) feedback() (chain.FeedbackSource, func(), error) {
	nop := func() {}
	if b.env.Feedback != nil {
		return b.env.Feedback, nop, nil
	}
	fd := b.def.Feedback
	if fd == nil {
		return feedback.Stdin(), nop, nil
	}
	switch fd.Source {
	case "file":
		fs, err := feedback.OpenFile(fd.Path, fd.FromStart)
		if err != nil {
			return nil, nop, fmt.Errorf("%s: %w", b.def.Name, err)
		}
		return fs, func() { _ = fs.Close() }, nil
	case "messages":
		return feedback.FromMessages(fd.Messages...), nop, nil
	default:
		return feedback.Stdin(), nop, nil
	}
}

func (b *binder) repair(input string) (chain.RepairSpec, error) {
	gen, err := b.step(b.def.Generate, "generate", nil)
	if err != nil {
		return chain.RepairSpec{}, err
	}

	rd := b.def.Repair
	if rd == nil {
		rd = &StepDef{Model: b.def.Generate.Model}
	} else if rd.Model == "" {
		c := *rd
		c.Model = b.def.Generate.Model
		rd = &c
	}
	rep, err := b.step(rd, "repair", prompt.DefaultRepair)
	if err != nil {
		return chain.RepairSpec{}, err
	}

	r, err := b.runner(b.def.Runner)
	if err != nil {
		return chain.RepairSpec{}, err
	}

	return chain.RepairSpec{
		Name:          b.def.Name,
		Input:         input,
		Generate:      gen,
		Repair:        rep,
		Runner:        r,
		ArtifactField: b.def.ArtifactField,
		Output:        b.def.Output,
	}, nil
}
