package chain

import (
	"context"
	"fmt"

	"github.com/bimmerbailey/strand/internal/llm"
)

const classifyStep = "classify"

// Route sends one label to a handler step.
type Route struct {
	Label   Label
	Handler Step
}

// Router is a closed table of routes with a mandatory default.
type Router struct {
	routes []Route
	def    Step
}

// NewRouter validates routes and returns a Router. Labels are normalized;
// each may appear once. The default handler runs for any other label.
func NewRouter(def Step, routes ...Route) (*Router, error) {
	if err := def.validate(PatternBranch); err != nil {
		return nil, fmt.Errorf("default route: %w", err)
	}

	names := map[string]bool{classifyStep: true, def.Name: true}
	if def.Name == classifyStep {
		return nil, invalid(PatternBranch, "handler name %s is reserved", classifyStep)
	}

	r := &Router{def: def, routes: make([]Route, 0, len(routes))}
	labels := make(map[Label]bool, len(routes))
	for _, route := range routes {
		label := NormalizeLabel(string(route.Label))
		if label == "" {
			return nil, invalid(PatternBranch, "route with empty label")
		}
		if labels[label] {
			return nil, invalid(PatternBranch, "duplicate route %s", label)
		}
		if err := route.Handler.validate(PatternBranch); err != nil {
			return nil, err
		}
		if names[route.Handler.Name] {
			return nil, invalid(PatternBranch, "handler name %s is used twice", route.Handler.Name)
		}
		labels[label] = true
		names[route.Handler.Name] = true
		r.routes = append(r.routes, Route{Label: label, Handler: route.Handler})
	}
	return r, nil
}

// Route returns the handler for label and whether a route matched. The
// default handler is returned when none does.
func (r *Router) Route(label Label) (Step, bool) {
	label = NormalizeLabel(string(label))
	for _, route := range r.routes {
		if route.Label == label {
			return route.Handler, true
		}
	}
	return r.def, false
}

// Labels returns the routed labels in declaration order.
func (r *Router) Labels() []Label {
	labels := make([]Label, len(r.routes))
	for i, route := range r.routes {
		labels[i] = route.Label
	}
	return labels
}

// BranchSpec configures a Branch run. Handler prompts see {input},
// {label} and {classify}, the classifier's raw text.
type BranchSpec struct {
	Name       string
	Input      string
	Classifier Classifier
	Router     *Router
	Output     string
}

// Branch classifies the input and runs exactly one handler: the route for
// the label, or the default.
func (e *Executor) Branch(ctx context.Context, spec BranchSpec) (*Run, error) {
	if spec.Classifier == nil {
		return nil, invalid(PatternBranch, "no classifier")
	}
	if spec.Router == nil {
		return nil, invalid(PatternBranch, "no router")
	}

	run := e.start(PatternBranch, spec.Name, spec.Input)

	start := e.now()
	cls, err := spec.Classifier.Classify(ctx, spec.Input)
	attempt := Attempt{Step: classifyStep, Model: "classifier", Success: err == nil, Duration: e.now().Sub(start)}
	if cls.Result != nil {
		attempt.Model = cls.Result.Handle.Name
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	e.record(run, attempt)
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("classify: %w", err))
	}

	entry := Entry{Step: classifyStep, Result: llm.PromptResult{Text: string(cls.Label)}}
	if cls.Result != nil {
		entry.Result = *cls.Result
	}
	if err := e.keep(ctx, run, entry); err != nil {
		return e.finish(ctx, run, "", "", err)
	}

	handler, matched := spec.Router.Route(cls.Label)
	if !matched {
		e.logger.Info("no route for label, using default", "run", run.ID, "label", cls.Label, "handler", handler.Name)
	}

	vars := run.State.Vars()
	vars["label"] = string(cls.Label)
	res, err := e.step(ctx, run, handler, vars)
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("handler %s: %w", handler.Name, err))
	}
	return e.finish(ctx, run, spec.Output, res.Text, nil)
}
