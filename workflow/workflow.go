package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSteps         = errors.New("workflow has no steps")
	ErrEmptyID         = errors.New("empty workflow id")
	ErrEmptyStepID     = errors.New("empty step id")
	ErrInvalidPolicy   = errors.New("invalid failure policy")
	ErrSelfDependency  = errors.New("step depends on itself")
	ErrDuplicateStepID = errors.New("duplicate step id")
)

// FailurePolicy decides what happens to the rest of a workflow when a step terminally fails.
type FailurePolicy uint

const (
	// Abort halts dispatch of new steps and fails the instance once
	// in-flight steps drain.
	// This is the default mode (0 value).
	Abort FailurePolicy = iota

	// SkipDependents marks the failed step's transitive dependents as
	// skipped; unrelated steps continue.
	SkipDependents

	maxFailurePolicy
)

func (p FailurePolicy) Valid() bool {
	return p < maxFailurePolicy
}

func (p FailurePolicy) String() string {
	switch p {
	case Abort:
		return "abort"
	case SkipDependents:
		return "skip_dependents"
	default:
		return fmt.Sprintf("unknown failure policy: %d", uint(p))
	}
}

// MarshalText marshals p to its stable on-disk spelling.
func (p FailurePolicy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolicy, uint(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText unmarshals p from its stable on-disk spelling.
func (p *FailurePolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "abort":
		*p = Abort
	case "skip_dependents":
		*p = SkipDependents
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, string(text))
	}
	return nil
}

// RetryPolicy configures retry with exponential backoff for a step.
// Transient failures (including per-attempt timeouts) are retried until
// MaxAttempts is exhausted. A zero value defers to the engine defaults.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first try.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `json:"initial_interval,omitempty"`

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// Multiplier scales the delay each retry.
	Multiplier float64 `json:"multiplier,omitempty"`
}

// StepSpec is a single step within a workflow definition.
type StepSpec struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Domain     string            `json:"domain"`
	Capability string            `json:"capability"`
	Params     map[string]string `json:"params,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Retry      RetryPolicy       `json:"retry,omitempty"`
	OnFailure  FailurePolicy     `json:"on_failure"`
}

// Definition is an immutable workflow template.
// Treat a validated definition as read-only: instances embed a pointer
// to it and the resolver assumes it does not change underneath them.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// Concurrency bounds how many ready steps of one instance may be
	// in flight at once. Zero uses the engine default.
	Concurrency int `json:"concurrency,omitempty"`

	Steps []StepSpec `json:"steps"`
}

// Step returns the step spec for id, or nil.
func (d *Definition) Step(id string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks the definition's structural invariants: non-empty IDs,
// unique step IDs, known dependency references, valid policies, and an
// acyclic dependency graph. A definition that fails Validate never
// enters execution.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return ErrEmptyID
	}
	if len(d.Steps) < 1 {
		return fmt.Errorf("%w: %s", ErrNoSteps, d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return ErrEmptyStepID
		}
		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		seen[step.ID] = struct{}{}
		if !step.OnFailure.Valid() {
			return fmt.Errorf("%w: step %s", ErrInvalidPolicy, step.ID)
		}
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, step.ID)
			}
			if _, ok := seen[dep]; !ok {
				return &UnknownDependencyError{StepID: step.ID, Dependency: dep}
			}
		}
	}
	return d.validateAcyclic()
}
