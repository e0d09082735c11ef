package chain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bimmerbailey/strand/internal/llm"
)

// DefaultPlanField is the plan response key holding the task list.
const DefaultPlanField = "tasks"

// WorkerPolicy decides what a fan-out does when a worker fails.
type WorkerPolicy int

const (
	// AbortOnWorkerError fails the run without combining.
	AbortOnWorkerError WorkerPolicy = iota
	// ProceedOnWorkerError combines with a placeholder for each failure.
	ProceedOnWorkerError
)

// String returns the configuration spelling of the policy.
func (p WorkerPolicy) String() string {
	if p == ProceedOnWorkerError {
		return "proceed"
	}
	return "abort"
}

// ParseWorkerPolicy parses "abort" or "proceed". Empty means abort.
func ParseWorkerPolicy(s string) (WorkerPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return AbortOnWorkerError, nil
	case "proceed":
		return ProceedOnWorkerError, nil
	default:
		return AbortOnWorkerError, fmt.Errorf("unknown worker policy %q (want abort or proceed)", s)
	}
}

// FanOutSpec configures a FanOut run.
//
// The plan step must answer with a JSON list of task strings under
// PlanField. Each worker prompt sees {task} and {index}; the combine prompt
// sees {results}, the worker outputs joined in plan order.
type FanOutSpec struct {
	Name      string
	Input     string
	Plan      Step
	PlanField string
	Worker    Step // Name is the prefix for worker entries: worker.1, worker.2, ...
	Combine   Step
	Policy    WorkerPolicy
	Output    string
}

func (s FanOutSpec) validate() error {
	for _, step := range []Step{s.Plan, s.Worker, s.Combine} {
		if err := step.validate(PatternFanOut); err != nil {
			return err
		}
	}
	if s.Plan.Name == s.Combine.Name {
		return invalid(PatternFanOut, "plan and combine share the name %s", s.Plan.Name)
	}
	for _, name := range []string{s.Plan.Name, s.Combine.Name} {
		if isWorkerSlot(name, s.Worker.Name) {
			return invalid(PatternFanOut, "step %s collides with the %s.N worker entries", name, s.Worker.Name)
		}
	}
	return nil
}

// isWorkerSlot reports whether name has the form worker.N.
func isWorkerSlot(name, worker string) bool {
	n, ok := strings.CutPrefix(name, worker+".")
	if !ok || n == "" {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type workerSlot struct {
	entry Entry
	err   *WorkerError
}

// FanOut plans a list of tasks, runs one worker per task concurrently, and
// combines the worker results in plan order regardless of completion order.
func (e *Executor) FanOut(ctx context.Context, spec FanOutSpec) (*Run, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	field := spec.PlanField
	if field == "" {
		field = DefaultPlanField
	}

	run := e.start(PatternFanOut, spec.Name, spec.Input)

	plan := spec.Plan
	if plan.Shape == nil {
		plan.Shape = &llm.Shape{
			Fields:      []string{field},
			Description: fmt.Sprintf(`{"%s": ["<task>", "<task>", ...]}`, field),
		}
	}
	planned, err := e.step(ctx, run, plan, run.State.Vars())
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("plan: %w", err))
	}
	tasks, ok := llm.StringsField(planned.Fields, field)
	if !ok {
		err := &llm.MalformedResponseError{
			Model:   planned.Handle.Name,
			Missing: []string{field},
			Raw:     planned.Text,
			Err:     fmt.Errorf("field %q is not a list of strings", field),
		}
		return e.finish(ctx, run, "", "", fmt.Errorf("plan: %w", err))
	}
	e.logger.Debug("fan-out planned", "run", run.ID, "tasks", len(tasks))

	slots := e.work(ctx, run, spec.Worker, tasks, run.State.Vars())

	var failed []error
	results := make([]string, 0, len(slots))
	for _, slot := range slots {
		if slot.err != nil {
			failed = append(failed, slot.err)
			results = append(results, "["+slot.err.Error()+"]")
		} else {
			results = append(results, slot.entry.Result.Text)
		}
		if err := e.keep(ctx, run, slot.entry); err != nil {
			return e.finish(ctx, run, "", "", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return e.finish(ctx, run, "", "", err)
	}
	if len(failed) > 0 {
		e.logger.Warn("fan-out workers failed", "run", run.ID, "failed", len(failed), "total", len(slots), "policy", spec.Policy.String())
		if spec.Policy == AbortOnWorkerError {
			return e.finish(ctx, run, "", "", errors.Join(failed...))
		}
	}

	vars := run.State.Vars()
	vars["results"] = strings.Join(results, "\n\n")
	combined, err := e.step(ctx, run, spec.Combine, vars)
	if err != nil {
		return e.finish(ctx, run, "", "", fmt.Errorf("combine: %w", err))
	}
	return e.finish(ctx, run, spec.Output, combined.Text, nil)
}

// work runs one worker per task and returns their results indexed by task
// position. Each goroutine writes only its own slot.
func (e *Executor) work(ctx context.Context, run *Run, worker Step, tasks []string, base map[string]string) []workerSlot {
	slots := make([]workerSlot, len(tasks))

	var g errgroup.Group
	if e.maxInFlight > 0 {
		g.SetLimit(e.maxInFlight)
	}
	var limiter *rate.Limiter
	if e.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.interval), 1)
	}

	for i, task := range tasks {
		step := worker
		step.Name = worker.Name + "." + strconv.Itoa(i+1)

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				for j := i; j < len(tasks); j++ {
					name := worker.Name + "." + strconv.Itoa(j+1)
					we := &WorkerError{Index: j, Task: tasks[j], Err: err}
					slots[j] = workerSlot{entry: Entry{Step: name, Error: err.Error()}, err: we}
				}
				break
			}
		}

		vars := maps.Clone(base)
		vars["task"] = task
		vars["index"] = strconv.Itoa(i + 1)

		g.Go(func() error {
			prompt, err := render(step, vars)
			if err != nil {
				slots[i] = workerSlot{entry: Entry{Step: step.Name, Error: err.Error()}, err: &WorkerError{Index: i, Task: task, Err: err}}
				return nil
			}
			entry, attempt, err := e.call(ctx, step, prompt)
			e.record(run, attempt)
			slots[i] = workerSlot{entry: entry}
			if err != nil {
				slots[i].err = &WorkerError{Index: i, Task: task, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return slots
}
