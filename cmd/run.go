package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/execute"
	"github.com/bimmerbailey/strand/internal/feedback"
	"github.com/bimmerbailey/strand/internal/llm"
	"github.com/bimmerbailey/strand/internal/metrics"
	"github.com/bimmerbailey/strand/internal/output"
	"github.com/bimmerbailey/strand/internal/pipeline"
	"github.com/bimmerbailey/strand/internal/sink"
	"github.com/bimmerbailey/strand/internal/store"
)

// providerFactory creates model backends; tests replace it.
var providerFactory llm.ProviderFactory = llm.NewProvider

var runCmd = &cobra.Command{
	Use:   "run [flags] <pipeline.yaml>",
	Short: "Run a pipeline",
	Long: `Run one pipeline definition and print its result and attempt trace.

Intermediate step results are shown as they complete. The final artifact
is written to output.dir under the pipeline's output name, and the run
(state and trace) is saved to the configured store.

Before the first prompt, every model the pipeline names is checked: its
backend must answer and serve the configured model. --skip-check skips
this.

A run that ends in a chain-level failure (a failed worker, exhausted
fallbacks, an artifact that still fails after repair) prints its trace and
exits 0. Configuration problems and backend errors exit non-zero.

Examples:
  strand run pipelines/plan-execute.yaml --input "a birthday party"
  strand run pipelines/blog.yaml --input-file topic.txt
  echo "great service" | strand run pipelines/sentiment.yaml --input -
  strand run pipelines/iterate.yaml --feedback file:notes.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("input", "i", "", "pipeline input (- reads stdin); overrides the definition's input")
	runCmd.Flags().String("input-file", "", "read the pipeline input from a file")
	runCmd.Flags().String("feedback", "", "feedback source for iterate pipelines (stdin, file:<path>)")
	runCmd.Flags().String("output-dir", "", "directory for final artifacts (overrides output.dir)")
	runCmd.Flags().Bool("no-store", false, "do not save the run")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().Bool("skip-check", false, "do not check model backends before running")

	_ = viper.BindPFlag("output.dir", runCmd.Flags().Lookup("output-dir"))
	_ = viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	def, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}

	input, err := readInput(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling. An interrupted feedback loop
	// still returns its last result.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, closeEnv, err := buildEnv(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEnv()

	if skip, _ := cmd.Flags().GetBool("skip-check"); !skip {
		if err := checkModels(ctx, env.Models, def, logger); err != nil {
			return err
		}
	}

	rec := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := rec.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	sinks, presenter, closeSinks, err := buildSinks(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	exec, err := chain.NewExecutor(logger,
		chain.WithSink(sinks),
		chain.WithPresenter(presenter),
		chain.WithRecorder(rec),
		chain.WithMaxInFlight(cfg.Chain.MaxInFlight),
		chain.WithWorkerInterval(cfg.Chain.WorkerInterval),
	)
	if err != nil {
		return err
	}

	run, runErr := pipeline.Run(ctx, exec, def, input, env)
	if run == nil {
		return runErr
	}

	noStore, _ := cmd.Flags().GetBool("no-store")
	if !noStore {
		if err := saveRun(cfg, run); err != nil {
			logger.Error("failed to save run", "run", run.ID, "error", err)
		}
	}

	writer := newWriter(cmd)
	if err := writer.WriteRun(run); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}

	if runErr != nil && !degraded(runErr) {
		return runErr
	}
	if runErr != nil {
		logger.Info("pipeline completed with a failure", "run", run.ID, "error", runErr)
	}
	return nil
}

// degraded reports whether err is a chain-level outcome rather than an
// operational failure.
func degraded(err error) bool {
	return errors.Is(err, chain.ErrWorker) ||
		errors.Is(err, chain.ErrAllFallbacksExhausted) ||
		errors.Is(err, chain.ErrExecutionFailed) ||
		errors.Is(err, llm.ErrMalformedResponse)
}

func readInput(cmd *cobra.Command) (string, error) {
	input, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")
	feedbackSpec, _ := cmd.Flags().GetString("feedback")

	switch {
	case input != "" && inputFile != "":
		return "", fmt.Errorf("--input and --input-file are mutually exclusive")
	case input == "-" && feedbackSpec == "stdin":
		return "", fmt.Errorf("--input - and --feedback stdin both read stdin")
	case inputFile != "":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case input == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return input, nil
	}
}

// modelChecker is implemented by *llm.Registry.
type modelChecker interface {
	Check(ctx context.Context, names ...string) error
}

// checkModels heartbeats the backend of every model def names.
func checkModels(ctx context.Context, models pipeline.Models, def *pipeline.Definition, logger *slog.Logger) error {
	checker, ok := models.(modelChecker)
	if !ok {
		return nil
	}
	names := def.Models()
	logger.Debug("checking models", "pipeline", def.Name, "models", names)
	if err := checker.Check(ctx, names...); err != nil {
		return fmt.Errorf("model check failed: %w", err)
	}
	return nil
}

// buildEnv resolves models, runners, and an optional feedback override.
func buildEnv(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (pipeline.Env, func(), error) {
	nop := func() {}

	spec, _ := cmd.Flags().GetString("feedback")

	models, err := llm.NewRegistry(cfg, providerFactory, logger)
	if err != nil {
		return pipeline.Env{}, nop, err
	}
	runners, err := execute.NewRegistry(cfg.Execute, logger)
	if err != nil {
		return pipeline.Env{}, nop, err
	}
	env := pipeline.Env{Models: models, Runners: runners, Chain: cfg.Chain}

	switch {
	case spec == "":
		return env, nop, nil
	case spec == "stdin":
		env.Feedback = feedback.NewLineSource(cmd.InOrStdin(), cmd.ErrOrStderr())
		return env, nop, nil
	case strings.HasPrefix(spec, "file:"):
		src, err := feedback.OpenFile(strings.TrimPrefix(spec, "file:"), false)
		if err != nil {
			return pipeline.Env{}, nop, err
		}
		env.Feedback = src
		return env, func() { _ = src.Close() }, nil
	default:
		return pipeline.Env{}, nop, fmt.Errorf("invalid --feedback %q (use stdin or file:<path>)", spec)
	}
}

// buildSinks assembles where artifacts go. Step results are shown on
// stdout for text output and on stderr otherwise, keeping stdout parseable.
func buildSinks(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*sink.Multi, chain.Presenter, func(), error) {
	nop := func() {}

	showOn := cmd.OutOrStdout()
	if output.ParseFormat(viper.GetString("format")) != output.FormatText {
		showOn = cmd.ErrOrStderr()
	}
	render := cfg.Output.Render
	if f, ok := showOn.(*os.File); !ok || !output.IsTerminal(f) {
		render = false
	}
	console, err := sink.NewConsole(showOn, render, logger)
	if err != nil {
		return nil, nil, nop, err
	}

	sinks := []chain.Sink{sink.NewFile(cfg.Output.Dir)}
	closer := nop
	if cfg.Output.Redis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		ttl, err := redisTTL(cfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, nop, err
		}
		sinks = append(sinks, sink.NewRedis(client, cfg.Store.Redis.Prefix, ttl))
		closer = func() { _ = client.Close() }
	}

	// the console only presents; final artifacts are in the run output
	return sink.NewMulti(sinks...), console, closer, nil
}

func redisTTL(cfg *config.Config) (time.Duration, error) {
	if cfg.Store.Redis.TTL == "" {
		return 0, nil
	}
	return config.ParseDuration(cfg.Store.Redis.TTL)
}

func saveRun(cfg *config.Config, run *chain.Run) error {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Save(context.Background(), run)
}
