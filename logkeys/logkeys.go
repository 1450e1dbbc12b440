// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	InstanceID   = "instance_id"
	DefinitionID = "definition_id"
	StepID       = "step_id"

	AgentID    = "agent_id"
	Domain     = "domain"
	Capability = "capability"

	Attempt           = "attempt"
	CheckpointVersion = "checkpoint_version"
	Status            = "status"
	Event             = "event"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
