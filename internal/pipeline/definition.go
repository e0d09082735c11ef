// Package pipeline loads YAML pipeline definitions and runs them on a
// chain.Executor.
//
// A definition names one pattern and the steps it needs. Models are
// referred to by their configured name (llm.models.<name>), runners by
// theirs (execute.runners.<name>). For example:
//
//	name: blog
//	pattern: sequence
//	model: sonnet
//	output: post.md
//	steps:
//	  - name: outline
//	    prompt: "Write an outline for a post about {input}."
//	  - name: draft
//	    prompt: "Write the post from this outline:\n\n{previous}"
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/llm"
	"github.com/bimmerbailey/strand/internal/prompt"
)

// ErrInvalid is wrapped by every definition validation error.
var ErrInvalid = errors.New("invalid pipeline")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Template variable names a step may not take.
var reservedNames = []string{"input", "previous", "task", "index", "results", "feedback", "request", "artifact", "diagnostic", "label", "classify"}

// Definition is one pipeline file.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
	Input       string `yaml:"input"`
	Output      string `yaml:"output"` // artifact id handed to the sink
	Model       string `yaml:"model"`  // default model for steps that name none
	Prompt      string `yaml:"prompt"` // default prompt for fallback candidates

	// sequence
	Steps []StepDef `yaml:"steps"`

	// fanout
	Plan      *StepDef `yaml:"plan"`
	PlanField string   `yaml:"plan_field"`
	Worker    *StepDef `yaml:"worker"`
	Combine   *StepDef `yaml:"combine"`
	Policy    string   `yaml:"policy"`

	// fallback
	Candidates []StepDef      `yaml:"candidates"`
	Evaluate   []EvaluatorDef `yaml:"evaluate"`

	// branch
	Classify *ClassifierDef `yaml:"classify"`
	Routes   []RouteDef     `yaml:"routes"`
	Default  *StepDef       `yaml:"default"`

	// iterate
	Initial       *StepDef     `yaml:"initial"`
	Refine        *StepDef     `yaml:"refine"`
	Feedback      *FeedbackDef `yaml:"feedback"`
	MaxIterations *int         `yaml:"max_iterations"`

	// repair
	Generate      *StepDef `yaml:"generate"`
	Repair        *StepDef `yaml:"repair"`
	Runner        string   `yaml:"runner"`
	ArtifactField string   `yaml:"artifact_field"`
}

// StepDef is one model invocation.
type StepDef struct {
	Name   string     `yaml:"name"`
	Model  string     `yaml:"model"`
	Prompt string     `yaml:"prompt"`
	Shape  *llm.Shape `yaml:"shape"`
}

// EvaluatorDef is one acceptance check for fallback candidates.
type EvaluatorDef struct {
	Kind   string `yaml:"kind"`   // nonempty, contains, matches, executes
	Value  string `yaml:"value"`  // substring or regular expression
	Runner string `yaml:"runner"` // executes: configured runner name
	Field  string `yaml:"field"`  // executes: response field holding the artifact
}

// ClassifierDef configures the model classifier of a branch.
type ClassifierDef struct {
	Model  string `yaml:"model"`
	Prompt string `yaml:"prompt"`
	Field  string `yaml:"field"` // JSON key holding the label; empty uses the whole response
}

// RouteDef sends one label to a handler step.
type RouteDef struct {
	Label   string `yaml:"label"`
	StepDef `yaml:",inline"`
}

// FeedbackDef chooses where iterate feedback comes from.
type FeedbackDef struct {
	Source    string   `yaml:"source"` // stdin (default), file, messages
	Path      string   `yaml:"path"`
	FromStart bool     `yaml:"from_start"`
	Messages  []string `yaml:"messages"`
}

// Load reads and validates the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates one definition. Unknown keys are errors.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks everything that can be checked without configuration:
// the pattern, the parts it needs, step names, and template syntax.
func (d *Definition) Validate() error {
	if !identPattern.MatchString(d.Name) {
		return d.errorf("name %q must be an identifier", d.Name)
	}
	if _, err := prompt.Parse(d.Prompt); err != nil {
		return d.errorf("prompt: %v", err)
	}

	switch d.Pattern {
	case chain.PatternSequence:
		return d.validateSequence()
	case chain.PatternFanOut:
		return d.validateFanOut()
	case chain.PatternFallback:
		return d.validateFallback()
	case chain.PatternBranch:
		return d.validateBranch()
	case chain.PatternIterate:
		return d.validateIterate()
	case chain.PatternRepair:
		return d.validateRepair()
	case "":
		return d.errorf("pattern not specified")
	default:
		return d.errorf("unknown pattern %q (supported: %v)", d.Pattern, chain.Patterns)
	}
}

func (d *Definition) errorf(format string, args ...any) error {
	name := d.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Errorf("%w %s: %s", ErrInvalid, name, fmt.Sprintf(format, args...))
}

// checkStep validates one step. named steps must carry an identifier name
// that is not reserved and not yet in seen.
func (d *Definition) checkStep(part string, s *StepDef, named bool, seen map[string]bool) error {
	if s == nil {
		return d.errorf("%s is required", part)
	}
	if s.Prompt == "" {
		return d.errorf("%s: prompt is required", part)
	}
	if _, err := prompt.Parse(s.Prompt); err != nil {
		return d.errorf("%s: %v", part, err)
	}
	if s.Model == "" && d.Model == "" {
		return d.errorf("%s: no model (set model on the step or the pipeline)", part)
	}
	if s.Shape != nil && len(s.Shape.Fields) == 0 {
		return d.errorf("%s: shape needs at least one field", part)
	}
	if !named {
		return nil
	}
	if !identPattern.MatchString(s.Name) {
		return d.errorf("%s: step name %q must be an identifier", part, s.Name)
	}
	if slices.Contains(reservedNames, s.Name) {
		return d.errorf("%s: step name %q is reserved", part, s.Name)
	}
	if seen[s.Name] {
		return d.errorf("%s: duplicate step name %q", part, s.Name)
	}
	seen[s.Name] = true
	return nil
}

// requireVars checks that the template raw names every one of vars.
func (d *Definition) requireVars(part, raw string, vars ...string) error {
	t, err := prompt.Parse(raw)
	if err != nil {
		return d.errorf("%s: %v", part, err)
	}
	for _, v := range vars {
		if !slices.Contains(t.Variables(), v) {
			return d.errorf("%s: prompt must use {%s}", part, v)
		}
	}
	return nil
}

// withName returns a copy of s named def when it has no name.
func withName(s *StepDef, def string) *StepDef {
	if s == nil || s.Name != "" {
		return s
	}
	c := *s
	c.Name = def
	return &c
}

func (d *Definition) validateSequence() error {
	if len(d.Steps) == 0 {
		return d.errorf("sequence needs at least one step")
	}
	if d.Model == "" {
		return d.errorf("sequence needs a pipeline model")
	}
	seen := make(map[string]bool)
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Model != "" && s.Model != d.Model {
			return d.errorf("step %s: sequence steps share the pipeline model", s.Name)
		}
		if err := d.checkStep(fmt.Sprintf("step %d", i+1), s, true, seen); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := d.Steps[i-1].Name
		vars := prompt.MustParse(s.Prompt).Variables()
		if !slices.Contains(vars, "previous") && !slices.Contains(vars, prev) {
			return d.errorf("step %s: prompt must use {previous} or {%s}", s.Name, prev)
		}
	}
	return nil
}

func (d *Definition) validateFanOut() error {
	seen := make(map[string]bool)
	if err := d.checkStep("plan", withName(d.Plan, "plan"), true, seen); err != nil {
		return err
	}
	if err := d.checkStep("worker", withName(d.Worker, "worker"), true, seen); err != nil {
		return err
	}
	if d.Combine != nil {
		combine := *withName(d.Combine, "combine")
		if combine.Prompt == "" {
			combine.Prompt = prompt.DefaultCombine.Raw()
		}
		if err := d.checkStep("combine", &combine, true, seen); err != nil {
			return err
		}
	} else if d.Model == "" {
		return d.errorf("combine: no model (set combine or a pipeline model)")
	}
	if d.PlanField != "" && !identPattern.MatchString(d.PlanField) {
		return d.errorf("plan_field %q must be an identifier", d.PlanField)
	}
	if _, err := chain.ParseWorkerPolicy(d.Policy); err != nil {
		return d.errorf("%v", err)
	}
	return nil
}

func (d *Definition) validateFallback() error {
	if len(d.Candidates) == 0 {
		return d.errorf("fallback needs at least one candidate")
	}
	for i := range d.Candidates {
		c := d.Candidates[i]
		if c.Prompt == "" {
			c.Prompt = d.Prompt
		}
		if c.Model == "" {
			return d.errorf("candidate %d: model is required", i+1)
		}
		if err := d.checkStep(fmt.Sprintf("candidate %d", i+1), &c, false, nil); err != nil {
			return err
		}
	}
	for i, ev := range d.Evaluate {
		if err := ev.validate(); err != nil {
			return d.errorf("evaluate %d: %v", i+1, err)
		}
	}
	return nil
}

func (ev EvaluatorDef) validate() error {
	switch ev.Kind {
	case "nonempty":
	case "contains", "matches":
		if ev.Value == "" {
			return fmt.Errorf("%s needs a value", ev.Kind)
		}
		if ev.Kind == "matches" {
			if _, err := regexp.Compile(ev.Value); err != nil {
				return err
			}
		}
	case "executes":
		if ev.Runner == "" {
			return fmt.Errorf("executes needs a runner")
		}
	default:
		return fmt.Errorf("unknown evaluator kind %q (supported: nonempty, contains, matches, executes)", ev.Kind)
	}
	return nil
}

func (d *Definition) validateBranch() error {
	if d.Classify == nil {
		return d.errorf("classify is required")
	}
	if d.Classify.Prompt == "" {
		return d.errorf("classify: prompt is required")
	}
	if _, err := prompt.Parse(d.Classify.Prompt); err != nil {
		return d.errorf("classify: %v", err)
	}
	if d.Classify.Model == "" && d.Model == "" {
		return d.errorf("classify: no model (set model on classify or the pipeline)")
	}
	if d.Default == nil {
		return d.errorf("branch needs a default route")
	}

	seen := make(map[string]bool)
	if err := d.checkStep("default", withName(d.Default, "default"), true, seen); err != nil {
		return err
	}
	labels := make(map[chain.Label]bool)
	for i, r := range d.Routes {
		label := chain.NormalizeLabel(r.Label)
		if label == "" {
			return d.errorf("route %d: label is required", i+1)
		}
		if labels[label] {
			return d.errorf("route %d: duplicate label %q", i+1, label)
		}
		labels[label] = true
		step := r.StepDef
		if err := d.checkStep("route "+string(label), withName(&step, string(label)), true, seen); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateIterate() error {
	seen := make(map[string]bool)
	if err := d.checkStep("initial", withName(d.Initial, "initial"), true, seen); err != nil {
		return err
	}
	if d.Refine != nil && d.Refine.Prompt != "" {
		if err := d.requireVars("refine", d.Refine.Prompt, "previous", "feedback"); err != nil {
			return err
		}
	}
	if d.MaxIterations != nil && *d.MaxIterations < 0 {
		return d.errorf("max_iterations must not be negative")
	}
	if fb := d.Feedback; fb != nil {
		switch fb.Source {
		case "", "stdin":
		case "file":
			if fb.Path == "" {
				return d.errorf("feedback: file source needs a path")
			}
		case "messages":
			if len(fb.Messages) == 0 {
				return d.errorf("feedback: messages source needs messages")
			}
		default:
			return d.errorf("feedback: unknown source %q (supported: stdin, file, messages)", fb.Source)
		}
	}
	return nil
}

func (d *Definition) validateRepair() error {
	seen := make(map[string]bool)
	if err := d.checkStep("generate", withName(d.Generate, "generate"), true, seen); err != nil {
		return err
	}
	if d.Repair != nil {
		repair := *withName(d.Repair, "repair")
		if repair.Prompt == "" {
			repair.Prompt = prompt.DefaultRepair.Raw()
		}
		if err := d.checkStep("repair", &repair, true, seen); err != nil {
			return err
		}
		if err := d.requireVars("repair", repair.Prompt, "request", "artifact", "diagnostic"); err != nil {
			return err
		}
	}
	if d.Runner == "" {
		return d.errorf("repair needs a runner")
	}
	return nil
}

// Models lists the model names the definition refers to, sorted.
func (d *Definition) Models() []string {
	var names []string
	add := func(name string) {
		if name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	add(d.Model)
	steps := append([]StepDef(nil), d.Steps...)
	steps = append(steps, d.Candidates...)
	for _, r := range d.Routes {
		steps = append(steps, r.StepDef)
	}
	for _, s := range []*StepDef{d.Plan, d.Worker, d.Combine, d.Default, d.Initial, d.Refine, d.Generate, d.Repair} {
		if s != nil {
			steps = append(steps, *s)
		}
	}
	for _, s := range steps {
		add(s.Model)
	}
	if d.Classify != nil {
		add(d.Classify.Model)
	}
	slices.Sort(names)
	return names
}

// Runners lists the runner names the definition refers to, sorted.
func (d *Definition) Runners() []string {
	var names []string
	if d.Runner != "" {
		names = append(names, d.Runner)
	}
	for _, ev := range d.Evaluate {
		if ev.Kind == "executes" && !slices.Contains(names, ev.Runner) {
			names = append(names, ev.Runner)
		}
	}
	slices.Sort(names)
	return names
}
