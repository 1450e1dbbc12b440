package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle status of a workflow instance.
// Storage backends persist the string spellings. Treat these as
// append-only: the spellings are the stable on-disk contract.
type InstanceStatus uint

const (
	InstancePending InstanceStatus = iota
	InstanceRunning
	InstancePaused
	InstanceCompleted
	InstanceFailed
	InstanceCancelled
	maxInstanceStatus
)

func (s InstanceStatus) Valid() bool {
	return s < maxInstanceStatus
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

func (s InstanceStatus) String() string {
	switch s {
	case InstancePending:
		return "PENDING"
	case InstanceRunning:
		return "RUNNING"
	case InstancePaused:
		return "PAUSED"
	case InstanceCompleted:
		return "COMPLETED"
	case InstanceFailed:
		return "FAILED"
	case InstanceCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("unknown instance status: %d", uint(s))
	}
}

func InstanceStatusForString(s string) InstanceStatus {
	switch s {
	case "PENDING":
		return InstancePending
	case "RUNNING":
		return InstanceRunning
	case "PAUSED":
		return InstancePaused
	case "COMPLETED":
		return InstanceCompleted
	case "FAILED":
		return InstanceFailed
	case "CANCELLED":
		return InstanceCancelled
	default:
		return maxInstanceStatus
	}
}

func (s InstanceStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid instance status: %d", uint(s))
	}
	return []byte(s.String()), nil
}

func (s *InstanceStatus) UnmarshalText(text []byte) error {
	status := InstanceStatusForString(string(text))
	if !status.Valid() {
		return fmt.Errorf("invalid instance status: %s", string(text))
	}
	*s = status
	return nil
}

// StepStatus is the lifecycle status of one step within an instance.
// Same stability rules as InstanceStatus.
type StepStatus uint

const (
	StepPending StepStatus = iota
	StepReady
	StepRunning
	StepSucceeded
	StepFailed
	StepSkipped
	StepRetrying
	maxStepStatus
)

func (s StepStatus) Valid() bool {
	return s < maxStepStatus
}

// Terminal reports whether the step has resolved.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Active reports whether the step has an in-flight attempt.
func (s StepStatus) Active() bool {
	switch s {
	case StepReady, StepRunning, StepRetrying:
		return true
	}
	return false
}

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "PENDING"
	case StepReady:
		return "READY"
	case StepRunning:
		return "RUNNING"
	case StepSucceeded:
		return "SUCCEEDED"
	case StepFailed:
		return "FAILED"
	case StepSkipped:
		return "SKIPPED"
	case StepRetrying:
		return "RETRYING"
	default:
		return fmt.Sprintf("unknown step status: %d", uint(s))
	}
}

func StepStatusForString(s string) StepStatus {
	switch s {
	case "PENDING":
		return StepPending
	case "READY":
		return StepReady
	case "RUNNING":
		return StepRunning
	case "SUCCEEDED":
		return StepSucceeded
	case "FAILED":
		return StepFailed
	case "SKIPPED":
		return StepSkipped
	case "RETRYING":
		return StepRetrying
	default:
		return maxStepStatus
	}
}

func (s StepStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid step status: %d", uint(s))
	}
	return []byte(s.String()), nil
}

func (s *StepStatus) UnmarshalText(text []byte) error {
	status := StepStatusForString(string(text))
	if !status.Valid() {
		return fmt.Errorf("invalid step status: %s", string(text))
	}
	*s = status
	return nil
}

// StepState tracks the execution state of one step within an instance.
type StepState struct {
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// Instance is one execution of a workflow definition.
// The definition is snapshotted into the instance so that a checkpoint
// alone is sufficient to resume after a restart.
// The engine's run loop for an instance is the exclusive owner of the
// instance value; no other component mutates it.
type Instance struct {
	InstanceID        string                `json:"instance_id"`
	DefinitionID      string                `json:"definition_id"`
	Definition        *Definition           `json:"definition"`
	Status            InstanceStatus        `json:"status"`
	StepStates        map[string]*StepState `json:"step_states"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	CheckpointVersion int                   `json:"checkpoint_version"`
}

// NewInstance creates a PENDING instance of def with all steps PENDING.
// def must already be validated.
func NewInstance(instanceID string, def *Definition, now time.Time) *Instance {
	states := make(map[string]*StepState, len(def.Steps))
	for i := range def.Steps {
		states[def.Steps[i].ID] = &StepState{Status: StepPending}
	}
	return &Instance{
		InstanceID:   instanceID,
		DefinitionID: def.ID,
		Definition:   def,
		Status:       InstancePending,
		StepStates:   states,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// DerivedStatus computes workflow status as a pure function of step
// states and the control state:
//
//   - COMPLETED if every step is SUCCEEDED or SKIPPED
//   - FAILED if every step has resolved and at least one FAILED
//   - FAILED if a step FAILED under the abort policy and nothing is
//     still in flight (remaining PENDING steps will never dispatch)
//   - otherwise the current control state (PENDING/RUNNING/PAUSED/
//     CANCELLED) passes through
func (in *Instance) DerivedStatus() InstanceStatus {
	if in.Status == InstanceCancelled {
		return InstanceCancelled
	}
	var anyFailed, abortFailed, anyActive, anyPending bool
	for id, state := range in.StepStates {
		switch state.Status {
		case StepSucceeded, StepSkipped:
		case StepFailed:
			anyFailed = true
			if step := in.Definition.Step(id); step != nil && step.OnFailure == Abort {
				abortFailed = true
			}
		case StepPending:
			anyPending = true
		default:
			anyActive = true
		}
	}
	if !anyActive && !anyPending {
		if anyFailed {
			return InstanceFailed
		}
		return InstanceCompleted
	}
	if abortFailed && !anyActive {
		return InstanceFailed
	}
	return in.Status
}

// Clone returns a deep copy of the instance.
// Used to hand instance snapshots outside the run loop without
// breaking the single-writer discipline.
func (in *Instance) Clone() *Instance {
	clone := *in
	clone.StepStates = make(map[string]*StepState, len(in.StepStates))
	for id, state := range in.StepStates {
		stateCopy := *state
		clone.StepStates[id] = &stateCopy
	}
	return &clone
}
