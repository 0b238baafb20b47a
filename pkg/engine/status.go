package engine

import (
	"encoding/json"
	"fmt"
)

// RunState is the state of a convergence run.
type RunState string

const (
	// RunStatePending indicates the run has been created but not started.
	RunStatePending RunState = "pending"

	// RunStateRunning indicates resources are being processed.
	RunStateRunning RunState = "running"

	// RunStateCompleted indicates every resource was processed without failure.
	RunStateCompleted RunState = "completed"

	// RunStateAborted indicates the run stopped at a failure or a cancellation.
	RunStateAborted RunState = "aborted"
)

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateAborted
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStatePending, RunStateRunning, RunStateCompleted, RunStateAborted:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s RunState) CanTransition(next RunState) bool {
	switch s {
	case RunStatePending:
		return next == RunStateRunning
	case RunStateRunning:
		return next == RunStateCompleted || next == RunStateAborted
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// Outcome is what happened to one resource during a run.
type Outcome string

const (
	// OutcomeUnchanged indicates the resource already matched its desired state.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeChanged indicates the executor mutated the host.
	OutcomeChanged Outcome = "changed"

	// OutcomeFailed indicates probing, reconciling or acting failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates the resource was not processed because the run aborted first.
	OutcomeSkipped Outcome = "skipped"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeUnchanged, OutcomeChanged, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}
