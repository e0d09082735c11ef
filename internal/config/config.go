// Package config provides configuration types and helpers for strand.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config holds the application-wide configuration.
type Config struct {
	Format    string        `mapstructure:"format"`
	Verbose   bool          `mapstructure:"verbose"`
	LogFormat string        `mapstructure:"log_format"`
	LLM       LLMConfig     `mapstructure:"llm"`
	Chain     ChainConfig   `mapstructure:"chain"`
	Output    OutputConfig  `mapstructure:"output"`
	Store     StoreConfig   `mapstructure:"store"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Execute   ExecuteConfig `mapstructure:"execute"`
}

// LLMConfig holds configuration for model backends and the named models
// pipelines refer to.
type LLMConfig struct {
	// Global settings applied to every model unless overridden
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Backend connection settings
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`

	// Models maps a pipeline-facing name ("haiku", "fast", ...) to a backend model.
	Models map[string]ModelConfig `mapstructure:"models"`
}

// ModelConfig describes one named model handle.
type ModelConfig struct {
	Backend string        `mapstructure:"backend"` // "ollama", "openai", "anthropic"
	Model   string        `mapstructure:"model"`   // backend model identifier
	Class   string        `mapstructure:"class"`   // cheap-fast, moderate, expensive-accurate
	APIKey  string        `mapstructure:"api_key"` // Optional: overrides the backend key
	Timeout time.Duration `mapstructure:"timeout"` // Optional: overrides llm.timeout
}

// OllamaConfig holds Ollama-specific settings.
type OllamaConfig struct {
	Host      string `mapstructure:"host"`       // API endpoint
	KeepAlive string `mapstructure:"keep_alive"` // e.g., "5m"
}

// OpenAIConfig holds OpenAI-specific settings.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`  // Optional: read from OPENAI_API_KEY if empty
	BaseURL string `mapstructure:"base_url"` // Optional: for compatible endpoints
	OrgID   string `mapstructure:"org_id"`   // Optional: organization ID
}

// AnthropicConfig holds Anthropic/Claude-specific settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"` // Optional: read from ANTHROPIC_API_KEY if empty
}

// ChainConfig tunes the executor.
type ChainConfig struct {
	// MaxInFlight caps concurrent fan-out workers.
	MaxInFlight int `mapstructure:"max_in_flight"`

	// WorkerInterval paces worker dispatch; zero dispatches as fast as MaxInFlight allows.
	WorkerInterval time.Duration `mapstructure:"worker_interval"`

	// WorkerPolicy is "abort" or "proceed".
	WorkerPolicy string `mapstructure:"worker_policy"`

	// MaxIterations bounds feedback loops (0 = unbounded).
	MaxIterations int `mapstructure:"max_iterations"`
}

// OutputConfig controls where final artifacts go.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Render bool   `mapstructure:"render"` // render markdown on a terminal
	Redis  bool   `mapstructure:"redis"`  // also keep artifacts in store.redis
}

// StoreConfig selects run persistence.
type StoreConfig struct {
	Backend string       `mapstructure:"backend"` // "none", "file" or "redis"
	Dir     string       `mapstructure:"dir"`     // file backend directory
	Redis   RedisConfig  `mapstructure:"redis"`
	Redact  RedactConfig `mapstructure:"redact"`
}

// RedactConfig controls scrubbing of sensitive values from saved runs.
type RedactConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Patterns []string `mapstructure:"patterns"` // empty means the default set
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	TTL      string `mapstructure:"ttl"` // e.g. "7d", "12h"; empty keeps runs forever
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. ":9090"; empty disables the endpoint
}

// ExecuteConfig lists the programs generated artifacts may be run with.
// Pipelines refer to runners by name; nothing else is executed.
type ExecuteConfig struct {
	Timeout time.Duration           `mapstructure:"timeout"`
	Runners map[string]RunnerConfig `mapstructure:"runners"`
}

// RunnerConfig is one allowed interpreter.
type RunnerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Stdin   bool     `mapstructure:"stdin"` // pass the artifact on stdin instead of as the last argument
	Dir     string   `mapstructure:"dir"`
}

// Cost classes accepted in ModelConfig.Class.
const (
	ClassCheapFast         = "cheap-fast"
	ClassModerate          = "moderate"
	ClassExpensiveAccurate = "expensive-accurate"
)

// Validate reports the first structural problem in the configuration.
func (c *Config) Validate() error {
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("no models configured (set llm.models in config)")
	}

	for _, name := range c.ModelNames() {
		m := c.LLM.Models[name]
		switch strings.ToLower(m.Backend) {
		case "ollama", "openai", "anthropic":
		case "":
			return fmt.Errorf("model %q: backend not specified", name)
		default:
			return fmt.Errorf("model %q: unknown backend %q (supported: ollama, openai, anthropic)", name, m.Backend)
		}
		if m.Model == "" {
			return fmt.Errorf("model %q: model identifier not specified", name)
		}
		switch m.Class {
		case "", ClassCheapFast, ClassModerate, ClassExpensiveAccurate:
		default:
			return fmt.Errorf("model %q: unknown class %q", name, m.Class)
		}
	}

	if c.Chain.MaxInFlight < 0 {
		return fmt.Errorf("chain.max_in_flight must not be negative")
	}
	switch c.Chain.WorkerPolicy {
	case "", "abort", "proceed":
	default:
		return fmt.Errorf("chain.worker_policy must be abort or proceed, got %q", c.Chain.WorkerPolicy)
	}

	for name, r := range c.Execute.Runners {
		if r.Command == "" {
			return fmt.Errorf("execute.runners.%s: command not specified", name)
		}
	}

	if c.Output.Redis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("output.redis needs store.redis.addr")
	}

	switch c.Store.Backend {
	case "", "none":
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required when store.backend is file")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required when store.backend is redis")
		}
		if c.Store.Redis.TTL != "" {
			if _, err := ParseDuration(c.Store.Redis.TTL); err != nil {
				return fmt.Errorf("store.redis.ttl: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown store backend %q (supported: none, file, redis)", c.Store.Backend)
	}

	return nil
}

// ModelNames returns configured model names in sorted order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.LLM.Models))
	for name := range c.LLM.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
