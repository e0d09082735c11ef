// Package redact scrubs sensitive values from run records before they are
// persisted.
//
// Every occurrence of the same value gets the same placeholder, so a
// stored run still shows that, say, the address in the input and the one
// in the final answer were identical:
//
//	"mail bob@example.com" -> "mail [EMAIL:5f1c]"
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/bimmerbailey/strand/internal/chain"
)

// Redactor replaces sensitive values with correlation-preserving
// placeholders. It is safe for concurrent use.
type Redactor struct {
	patterns []Pattern
	mu       sync.RWMutex
	seen     map[string]string // original value -> placeholder
}

// New returns a Redactor for the named patterns, or the default set when
// names is empty.
func New(names []string) (*Redactor, error) {
	if len(names) == 0 {
		names = DefaultPatterns()
	}
	patterns, err := Lookup(names)
	if err != nil {
		return nil, err
	}
	return &Redactor{patterns: patterns, seen: make(map[string]string)}, nil
}

// Redact returns text with every match replaced by its placeholder.
func (r *Redactor) Redact(text string) string {
	out, _ := r.RedactAndCount(text)
	return out
}

// RedactAndCount redacts text and reports how many replacements were made.
func (r *Redactor) RedactAndCount(text string) (string, int) {
	if text == "" {
		return text, 0
	}
	count := 0
	for _, p := range r.patterns {
		text = p.Regex.ReplaceAllStringFunc(text, func(match string) string {
			count++
			return r.placeholder(match, p.Type)
		})
	}
	return text, count
}

// IsSensitive reports whether text contains anything Redact would replace.
func (r *Redactor) IsSensitive(text string) bool {
	for _, p := range r.patterns {
		if p.Regex.MatchString(text) {
			return true
		}
	}
	return false
}

// Placeholders returns a copy of the value to placeholder mapping built so far.
func (r *Redactor) Placeholders() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.seen))
	for k, v := range r.seen {
		out[k] = v
	}
	return out
}

func (r *Redactor) placeholder(value, kind string) string {
	key := normalize(value, kind)

	r.mu.RLock()
	p, ok := r.seen[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	h := sha256.Sum256([]byte(key))
	p = fmt.Sprintf("[%s:%s]", kind, hex.EncodeToString(h[:2]))

	r.mu.Lock()
	r.seen[key] = p
	r.mu.Unlock()
	return p
}

// normalize folds values that differ only in case where case is not
// significant.
func normalize(value, kind string) string {
	switch kind {
	case "EMAIL", "IPV4":
		return strings.ToLower(value)
	default:
		return value
	}
}

// Run returns a redacted copy of run. Text a person or model produced is
// scrubbed: the input, prompts, results, decoded fields, artifacts, the
// output and error messages. Identifiers, names and timings are kept.
func (r *Redactor) Run(run *chain.Run) (*chain.Run, error) {
	out := *run
	out.Output = r.Redact(run.Output)
	out.Error = r.Redact(run.Error)

	if run.State != nil {
		state, err := r.state(run.State)
		if err != nil {
			return nil, fmt.Errorf("redact state: %w", err)
		}
		out.State = state
	}

	if run.Trace != nil {
		trace := chain.NewTrace()
		for _, a := range run.Trace.Attempts() {
			a.Error = r.Redact(a.Error)
			trace.Record(a)
		}
		out.Trace = trace
	}
	return &out, nil
}

func (r *Redactor) state(s *chain.State) (*chain.State, error) {
	out := chain.NewState(r.Redact(s.Input()))
	for _, e := range s.Entries() {
		e.Prompt = r.Redact(e.Prompt)
		e.Error = r.Redact(e.Error)
		e.Result.Text = r.Redact(e.Result.Text)
		if e.Result.Fields != nil {
			e.Result.Fields = r.fields(e.Result.Fields)
		}
		if err := out.Append(e); err != nil {
			return nil, err
		}
	}
	for _, a := range s.Artifacts() {
		a.Content = r.Redact(a.Content)
		out.AddArtifact(a)
	}
	return out, nil
}

func (r *Redactor) fields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch v := v.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.fields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}
