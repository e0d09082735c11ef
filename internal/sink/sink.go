// Package sink delivers pipeline artifacts: final outputs are written to
// files, Redis, or the console, and intermediate step results are shown on
// the console as they arrive.
package sink

import (
	"context"
	"errors"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/llm"
)

// Multi fans artifacts out to several sinks. Display is forwarded to the
// sinks that also implement chain.Presenter.
type Multi struct {
	sinks []chain.Sink
}

// NewMulti combines sinks. Nil entries are dropped.
func NewMulti(sinks ...chain.Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Write implements chain.Sink. Every sink is tried; the errors are joined.
func (m *Multi) Write(ctx context.Context, id, content string) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, id, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Display implements chain.Presenter.
func (m *Multi) Display(ctx context.Context, step string, result llm.PromptResult) {
	for _, s := range m.sinks {
		if p, ok := s.(chain.Presenter); ok {
			p.Display(ctx, step, result)
		}
	}
}
