package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/logging"
	"github.com/bimmerbailey/strand/internal/output"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "strand",
	Short: "Run prompt chains against language models",
	Long: `Strand runs prompt-chain pipelines: sequences, fan-out/fan-in,
fallback across models, classification branches, human feedback loops,
and generate/verify/repair against an external interpreter.

Pipelines are YAML files naming a pattern, the models it uses, and the
prompt templates for each step. Models are configured once in
~/.strand.yaml and referred to by name.

Examples:
  strand run pipelines/plan-execute.yaml --input "a birthday party"
  strand run pipelines/iterate.yaml --feedback file:notes.txt
  strand runs list --since 1d
  strand runs show 3f2c9a1e-...
  strand validate pipelines/`,
	SilenceUsage: true,
}

// Execute is called by main.main(). It runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.strand.yaml)")
	rootCmd.PersistentFlags().StringP("format", "f", "text", "output format (text, json, table)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto, always, never)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format on stderr (text, json)")

	_ = viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error finding home directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".strand")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STRAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// setDefaults registers every default. Three Anthropic models cover the
// cost classes so fallback pipelines work out of the box.
func setDefaults() {
	viper.SetDefault("format", "text")
	viper.SetDefault("verbose", false)
	viper.SetDefault("color", "auto")
	viper.SetDefault("log_format", "text")

	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", 2*time.Minute)
	viper.SetDefault("llm.ollama.host", "http://localhost:11434")
	viper.SetDefault("llm.models", map[string]any{
		"haiku": map[string]any{
			"backend": "anthropic",
			"model":   "claude-3-5-haiku-latest",
			"class":   config.ClassCheapFast,
		},
		"sonnet": map[string]any{
			"backend": "anthropic",
			"model":   "claude-sonnet-4-0",
			"class":   config.ClassModerate,
		},
		"opus": map[string]any{
			"backend": "anthropic",
			"model":   "claude-opus-4-0",
			"class":   config.ClassExpensiveAccurate,
		},
	})

	viper.SetDefault("chain.max_in_flight", 4)
	viper.SetDefault("chain.worker_interval", 500*time.Millisecond)
	viper.SetDefault("chain.worker_policy", "abort")
	viper.SetDefault("chain.max_iterations", 0)

	viper.SetDefault("output.dir", ".")
	viper.SetDefault("output.render", true)
	viper.SetDefault("output.redis", false)

	viper.SetDefault("store.backend", "file")
	viper.SetDefault("store.dir", filepath.Join(".strand", "runs"))
	viper.SetDefault("store.redis.prefix", "strand:")
	viper.SetDefault("store.redact.enabled", false)

	viper.SetDefault("execute.timeout", 30*time.Second)
	viper.SetDefault("execute.runners", map[string]any{
		"sh": map[string]any{
			"command": "sh",
			"args":    []string{"-c"},
		},
		"python": map[string]any{
			"command": "python3",
			"args":    []string{"-"},
			"stdin":   true,
		},
	})

	viper.SetDefault("metrics.addr", "")
}

func unmarshalConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// loadConfig unmarshals and validates the viper configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := unmarshalConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Level(cfg.Verbose), cfg.LogFormat)
}

func newWriter(cmd *cobra.Command) *output.Writer {
	return output.New(cmd.OutOrStdout(), output.ParseFormat(viper.GetString("format")), output.ParseColorMode(viper.GetString("color")))
}
