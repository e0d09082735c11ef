package chain

import (
	"encoding/json"
	"sync"
	"time"
)

// Attempt is one model invocation or artifact execution and how it went.
type Attempt struct {
	Step     string        `json:"step"`
	Model    string        `json:"model"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Trace is the ordered attempt history of a run. Record is safe for
// concurrent use.
type Trace struct {
	mu       sync.Mutex
	attempts []Attempt
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Record appends an attempt.
func (t *Trace) Record(a Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = append(t.attempts, a)
}

// Attempts returns a copy of the attempts in record order.
func (t *Trace) Attempts() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attempt(nil), t.attempts...)
}

// Len returns the number of attempts.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

// Failures returns the number of unsuccessful attempts.
func (t *Trace) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.attempts {
		if !a.Success {
			n++
		}
	}
	return n
}

// MarshalJSON encodes the attempts as an array.
func (t *Trace) MarshalJSON() ([]byte, error) {
	attempts := t.Attempts()
	if attempts == nil {
		attempts = []Attempt{}
	}
	return json.Marshal(attempts)
}

// UnmarshalJSON restores a trace written by MarshalJSON.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var attempts []Attempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = attempts
	return nil
}
