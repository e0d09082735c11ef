package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackend matches every *BackendError via errors.Is.
	ErrBackend = errors.New("backend error")

	// ErrMalformedResponse matches every *MalformedResponseError via errors.Is.
	ErrMalformedResponse = errors.New("malformed response")
)

// BackendError reports a transport, auth, or timeout failure. It may be
// transient; callers decide whether to fall back.
type BackendError struct {
	Model string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error from %s: %v", e.Model, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// MalformedResponseError reports a response that did not satisfy the
// requested shape after one parse attempt.
type MalformedResponseError struct {
	Model   string
	Missing []string // required fields absent from the decoded object
	Raw     string
	Err     error // decode failure, if the text was not an object at all
}

func (e *MalformedResponseError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed response from %s: missing fields %s", e.Model, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("malformed response from %s: %v", e.Model, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }
