package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateStep is returned when a step name is appended twice.
	ErrDuplicateStep = errors.New("duplicate step")

	// ErrWorker matches every *WorkerError via errors.Is.
	ErrWorker = errors.New("worker failed")

	// ErrAllFallbacksExhausted matches *AllFallbacksExhaustedError.
	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")

	// ErrExecutionFailed matches *ExecutionFailure.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrInvalidPattern is returned when a pattern is configured wrongly,
	// before any model is invoked.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// WorkerError is the placeholder for one failed fan-out worker.
type WorkerError struct {
	Index int // zero-based position in the plan
	Task  string
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed: %v", e.Index+1, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

func (e *WorkerError) Is(target error) bool { return target == ErrWorker }

// AllFallbacksExhaustedError carries the full attempt history when no
// fallback candidate produced an acceptable result.
type AllFallbacksExhaustedError struct {
	Attempts []Attempt
}

func (e *AllFallbacksExhaustedError) Error() string {
	return fmt.Sprintf("all %d fallback candidates failed", len(e.Attempts))
}

func (e *AllFallbacksExhaustedError) Is(target error) bool {
	return target == ErrAllFallbacksExhausted
}

// ExecutionFailure reports an artifact that still failed after repair.
type ExecutionFailure struct {
	Attempts   int
	Diagnostic string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failed after %d attempt(s): %s", e.Attempts, e.Diagnostic)
}

func (e *ExecutionFailure) Is(target error) bool { return target == ErrExecutionFailed }

// invalid wraps ErrInvalidPattern.
func invalid(pattern, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPattern, pattern, fmt.Sprintf(format, args...))
}
