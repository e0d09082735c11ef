// Package prompt renders the prompt templates pipelines are written in.
//
// Templates use Python format-string syntax: {name} is replaced by the
// variable of that name and literal braces are written {{ and }}. The
// variables visible to a step are:
//
//   - input:    the pipeline input
//   - previous: the verbatim text of the step before this one
//   - <step>:   the verbatim text of any earlier step, by name
//
// plus whatever a pattern adds (task, results, feedback, diagnostic, ...).
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/slongfield/pyfmt"
)

// ErrMissingVariable is returned by Render when the template references a
// variable that was not supplied.
var ErrMissingVariable = errors.New("prompt: missing variable")

// ErrSyntax is returned by Parse for unbalanced braces.
var ErrSyntax = errors.New("prompt: template syntax")

// Template is a parsed prompt template. The zero value renders to "".
type Template struct {
	raw  string
	vars []string
}

// Parse checks the brace structure of raw and records the variables it uses.
func Parse(raw string) (*Template, error) {
	vars, err := scan(raw)
	if err != nil {
		return nil, err
	}
	return &Template{raw: raw, vars: vars}, nil
}

// MustParse is Parse for templates known at compile time.
func MustParse(raw string) *Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Raw returns the template source.
func (t *Template) Raw() string {
	if t == nil {
		return ""
	}
	return t.raw
}

// Variables returns the distinct variable names the template references, sorted.
func (t *Template) Variables() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.vars...)
}

// Render substitutes vars into the template.
func (t *Template) Render(vars map[string]string) (string, error) {
	if t == nil || t.raw == "" {
		return "", nil
	}
	args := make(map[string]any, len(vars))
	for _, name := range t.vars {
		v, ok := vars[name]
		if !ok {
			return "", missingVariable(name)
		}
		args[name] = v
	}
	out, err := pyfmt.Fmt(t.raw, args)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return out, nil
}

// missingVariable wraps ErrMissingVariable with the specific name.
func missingVariable(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingVariable, name)
}

// scan walks raw the way pyfmt does and returns the referenced field names.
// Format specs ({name:>10}) and conversions ({name!r}) are stripped.
func scan(raw string) ([]string, error) {
	seen := map[string]struct{}{}
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			if i+1 < len(raw) && raw[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(raw[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '{' at offset %d", ErrSyntax, i)
			}
			field := raw[i+1 : i+end]
			if j := strings.IndexAny(field, ":!"); j >= 0 {
				field = field[:j]
			}
			if field == "" || strings.ContainsAny(field, "{ ") {
				return nil, fmt.Errorf("%w: bad field %q at offset %d", ErrSyntax, raw[i+1:i+end], i)
			}
			seen[field] = struct{}{}
			i += end
		case '}':
			if i+1 < len(raw) && raw[i+1] == '}' {
				i++
				continue
			}
			return nil, fmt.Errorf("%w: single '}' at offset %d", ErrSyntax, i)
		}
	}

	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars, nil
}
