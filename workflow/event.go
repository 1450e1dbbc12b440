package workflow

import (
	"fmt"
	"time"
)

// EventFlag is a bitmask of lifecycle event types.
// Notification sinks may use the mask form to subscribe to multiple
// event types at once. The string spellings are stable.
type EventFlag uint

const (
	EventWorkflowStarted EventFlag = 1 << iota
	EventStepStarted
	EventStepSucceeded
	EventStepFailed
	EventStepRetrying
	EventStepSkipped
	EventWorkflowCompleted
	EventWorkflowFailed
	EventWorkflowCancelled
	EventWorkflowPaused
	EventWorkflowResumed
	EventInstanceStalled
	maxEventFlag
)

// EventAll matches every lifecycle event type.
const EventAll = maxEventFlag - 1

func (e EventFlag) Valid() bool {
	return e > 0 && e < maxEventFlag
}

func (e EventFlag) String() string {
	switch e {
	case EventWorkflowStarted:
		return "workflow_started"
	case EventStepStarted:
		return "step_started"
	case EventStepSucceeded:
		return "step_succeeded"
	case EventStepFailed:
		return "step_failed"
	case EventStepRetrying:
		return "step_retrying"
	case EventStepSkipped:
		return "step_skipped"
	case EventWorkflowCompleted:
		return "workflow_completed"
	case EventWorkflowFailed:
		return "workflow_failed"
	case EventWorkflowCancelled:
		return "workflow_cancelled"
	case EventWorkflowPaused:
		return "workflow_paused"
	case EventWorkflowResumed:
		return "workflow_resumed"
	case EventInstanceStalled:
		return "instance_stalled"
	default:
		return fmt.Sprintf("unknown event type: %d", uint(e))
	}
}

func EventFlagForString(s string) EventFlag {
	switch s {
	case "workflow_started":
		return EventWorkflowStarted
	case "step_started":
		return EventStepStarted
	case "step_succeeded":
		return EventStepSucceeded
	case "step_failed":
		return EventStepFailed
	case "step_retrying":
		return EventStepRetrying
	case "step_skipped":
		return EventStepSkipped
	case "workflow_completed":
		return EventWorkflowCompleted
	case "workflow_failed":
		return EventWorkflowFailed
	case "workflow_cancelled":
		return EventWorkflowCancelled
	case "workflow_paused":
		return EventWorkflowPaused
	case "workflow_resumed":
		return EventWorkflowResumed
	case "instance_stalled":
		return EventInstanceStalled
	default:
		return 0
	}
}

func (e EventFlag) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("invalid event type: %d", uint(e))
	}
	return []byte(e.String()), nil
}

func (e *EventFlag) UnmarshalText(text []byte) error {
	flag := EventFlagForString(string(text))
	if !flag.Valid() {
		return fmt.Errorf("invalid event type: %s", string(text))
	}
	*e = flag
	return nil
}

// Event is a single workflow lifecycle occurrence.
// Events for one instance are published in the order its state
// transitions occur; no ordering exists across instances.
type Event struct {
	EventFlag    EventFlag `json:"event"`
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Err          string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}
