// Package execute runs generated artifacts through allow-listed local
// interpreters and provides the evaluators fallback pipelines use.
package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/config"
)

// maxDiagnostic caps how much stderr is fed back into a repair prompt.
const maxDiagnostic = 4096

// Runner executes artifacts with one interpreter. It implements
// chain.ArtifactRunner.
type Runner struct {
	name    string
	command string
	args    []string
	stdin   bool
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner from a configured interpreter.
func NewRunner(name string, rc config.RunnerConfig, timeout time.Duration, logger *slog.Logger) (*Runner, error) {
	if rc.Command == "" {
		return nil, fmt.Errorf("runner %s: command not specified", name)
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Runner{
		name:    name,
		command: rc.Command,
		args:    rc.Args,
		stdin:   rc.Stdin,
		dir:     rc.Dir,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Name returns the runner's configured name.
func (r *Runner) Name() string {
	return r.name
}

// Execute implements chain.ArtifactRunner. A zero exit status is success
// and stdout becomes the diagnostic; anything else fails with the error and
// stderr as the diagnostic.
func (r *Runner) Execute(ctx context.Context, artifact string) chain.Outcome {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	artifact = StripFence(artifact)
	if strings.TrimSpace(artifact) == "" {
		return chain.Outcome{Diagnostic: "empty artifact"}
	}

	args := append([]string(nil), r.args...)
	if !r.stdin {
		args = append(args, artifact)
	}
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.dir
	// children that outlive a killed interpreter must not hold Run open
	cmd.WaitDelay = time.Second
	if r.stdin {
		cmd.Stdin = strings.NewReader(artifact)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("artifact executed", "runner", r.name, "duration", time.Since(start), "error", err)

	if err != nil {
		diag := strings.TrimSpace(stderr.String())
		if ctx.Err() != nil {
			diag = fmt.Sprintf("%v: %s", ctx.Err(), diag)
		} else if diag == "" {
			diag = err.Error()
		} else {
			diag = fmt.Sprintf("%v: %s", err, diag)
		}
		return chain.Outcome{Diagnostic: truncate(diag, maxDiagnostic)}
	}
	return chain.Outcome{Success: true, Diagnostic: strings.TrimSpace(stdout.String())}
}

var fence = regexp.MustCompile("(?s)^\\s*```[\\w+-]*[ \\t]*\\n(.*?)\\n?```\\s*$")

// StripFence removes a markdown code fence wrapping the whole text.
func StripFence(text string) string {
	if m := fence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Registry is the allow-list of runners pipelines may name.
type Registry struct {
	runners map[string]*Runner
}

// NewRegistry builds runners for every configured interpreter.
func NewRegistry(cfg config.ExecuteConfig, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{runners: make(map[string]*Runner, len(cfg.Runners))}
	for name, rc := range cfg.Runners {
		r, err := NewRunner(name, rc, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		reg.runners[name] = r
	}
	return reg, nil
}

// Runner returns the named runner.
func (reg *Registry) Runner(name string) (*Runner, error) {
	r, ok := reg.runners[name]
	if !ok {
		return nil, fmt.Errorf("runner %q is not allowed (configured: %s)", name, strings.Join(reg.Names(), ", "))
	}
	return r, nil
}

// Names returns the allowed runner names, sorted.
func (reg *Registry) Names() []string {
	names := make([]string, 0, len(reg.runners))
	for name := range reg.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
