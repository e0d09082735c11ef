package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bimmerbailey/strand/internal/llm"
)

// Entry is one step's contribution to a State.
type Entry struct {
	Step   string           `json:"step"`
	Prompt string           `json:"prompt,omitempty"`
	Result llm.PromptResult `json:"result"`
	Error  string           `json:"error,omitempty"` // set for placeholder entries, e.g. a failed fan-out worker
}

// Artifact is a side product recorded during a run, such as an executed
// artifact or a sink write.
type Artifact struct {
	Step    string    `json:"step"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// State is the ordered, append-only record of step results for one run.
// Step names are unique. A State is not safe for concurrent use; fan-out
// workers write to private slots that are appended after they finish.
type State struct {
	input     string
	entries   []Entry
	index     map[string]int
	artifacts []Artifact
}

// NewState returns an empty State for the given pipeline input.
func NewState(input string) *State {
	return &State{
		input: input,
		index: make(map[string]int),
	}
}

// Input returns the pipeline input.
func (s *State) Input() string {
	return s.input
}

// Append adds an entry. Reusing a step name fails with ErrDuplicateStep.
func (s *State) Append(e Entry) error {
	if e.Step == "" {
		return fmt.Errorf("append entry: empty step name")
	}
	if _, ok := s.index[e.Step]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, e.Step)
	}
	s.index[e.Step] = len(s.entries)
	s.entries = append(s.entries, e)
	return nil
}

// Get returns the entry for step.
func (s *State) Get(step string) (Entry, bool) {
	i, ok := s.index[step]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Last returns the most recently appended entry.
func (s *State) Last() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Entries returns a copy of the entries in append order.
func (s *State) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of entries.
func (s *State) Len() int {
	return len(s.entries)
}

// AddArtifact records a side artifact.
func (s *State) AddArtifact(a Artifact) {
	s.artifacts = append(s.artifacts, a)
}

// Artifacts returns a copy of the recorded artifacts.
func (s *State) Artifacts() []Artifact {
	return append([]Artifact(nil), s.artifacts...)
}

// Vars returns the template variables visible to the next step: input,
// previous, and every earlier step's text by name.
func (s *State) Vars() map[string]string {
	vars := make(map[string]string, len(s.entries)+2)
	vars["input"] = s.input
	vars["previous"] = s.input
	for _, e := range s.entries {
		vars[e.Step] = e.Result.Text
	}
	if last, ok := s.Last(); ok {
		vars["previous"] = last.Result.Text
	}
	return vars
}

type stateJSON struct {
	Input     string     `json:"input"`
	Entries   []Entry    `json:"entries"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// MarshalJSON encodes the state with entries in append order.
func (s *State) MarshalJSON() ([]byte, error) {
	entries := s.entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(stateJSON{Input: s.input, Entries: entries, Artifacts: s.artifacts})
}

// UnmarshalJSON restores a state written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	restored := NewState(raw.Input)
	for _, e := range raw.Entries {
		if err := restored.Append(e); err != nil {
			return err
		}
	}
	restored.artifacts = raw.Artifacts
	*s = *restored
	return nil
}
