package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Shape declares that a response must be a single JSON object carrying the
// named fields. Description is free-form and, when set, is appended to the
// prompt as a format instruction.
type Shape struct {
	Fields      []string `json:"fields,omitempty" yaml:"fields"`
	Description string   `json:"description,omitempty" yaml:"description"`
}

var errNoObject = errors.New("response contains no JSON object")

// Hint returns the prompt suffix requesting this shape.
func (s *Shape) Hint() string {
	if s == nil || s.Description == "" {
		return ""
	}
	return "\n\nRespond in JSON format " + s.Description
}

// Parse decodes text once and checks the required fields. A surrounding
// markdown code fence and any prose outside the outermost braces are
// ignored; nothing else is repaired.
func (s *Shape) Parse(text string) (map[string]any, []string, error) {
	body, err := extractObject(text)
	if err != nil {
		return nil, nil, err
	}

	var fields map[string]any
	if err := sonic.UnmarshalString(body, &fields); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}

	var missing []string
	for _, f := range s.Fields {
		if v, ok := fields[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	return fields, missing, nil
}

func extractObject(text string) (string, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		if nl := strings.IndexByte(t, '\n'); nl >= 0 {
			t = t[nl+1:]
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}

	start := strings.IndexByte(t, '{')
	end := strings.LastIndexByte(t, '}')
	if start < 0 || end < start {
		return "", errNoObject
	}
	return t[start : end+1], nil
}

// StringField returns fields[name] as a string, rendering non-strings as JSON.
func StringField(fields map[string]any, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// StringsField returns fields[name] as a list of strings. A single string is
// treated as a one-element list.
func StringsField(fields map[string]any, name string) ([]string, bool) {
	switch v := fields[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			b, err := sonic.Marshal(item)
			if err != nil {
				return nil, false
			}
			out = append(out, string(b))
		}
		return out, true
	case string:
		return []string{v}, true
	default:
		return nil, false
	}
}
