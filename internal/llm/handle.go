package llm

import (
	"fmt"
	"strings"

	"github.com/bimmerbailey/strand/internal/config"
)

// CostClass ranks a model by relative cost and latency.
type CostClass int

const (
	ClassCheapFast CostClass = iota
	ClassModerate
	ClassExpensiveAccurate
)

// String returns the configuration spelling of the class.
func (c CostClass) String() string {
	switch c {
	case ClassCheapFast:
		return config.ClassCheapFast
	case ClassModerate:
		return config.ClassModerate
	case ClassExpensiveAccurate:
		return config.ClassExpensiveAccurate
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c CostClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CostClass) UnmarshalText(b []byte) error {
	parsed, err := ParseCostClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCostClass converts a configuration string to a CostClass.
// An empty string defaults to moderate.
func ParseCostClass(s string) (CostClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.ClassCheapFast, "cheap", "fast":
		return ClassCheapFast, nil
	case config.ClassModerate, "":
		return ClassModerate, nil
	case config.ClassExpensiveAccurate, "expensive", "accurate":
		return ClassExpensiveAccurate, nil
	default:
		return ClassModerate, fmt.Errorf("unknown cost class %q", s)
	}
}

// ModelHandle identifies a backend model. It is a value type and never
// changes once built.
type ModelHandle struct {
	// Name is the pipeline-facing name ("haiku", "fast")
	Name string `json:"name"`

	// Backend is the transport ("ollama", "openai", "anthropic")
	Backend string `json:"backend"`

	// Model is the backend's model identifier
	Model string `json:"model"`

	// Class is the relative cost/latency tier
	Class CostClass `json:"class"`
}

// String renders the handle for logs and traces.
func (h ModelHandle) String() string {
	if h.Model == "" || h.Model == h.Name {
		return h.Name
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.Model)
}
