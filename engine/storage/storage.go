// Package storage defines types and primitives for checkpoint store backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchcmd/orchcmd/workflow"
)

var (
	// ErrNotFound is returned when no checkpoint exists for an instance.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStaleVersion is returned when a save carries a version at or
	// below the currently stored version. It signals a caller bug or a
	// recovery race: the caller should reload the authoritative
	// checkpoint before writing again.
	ErrStaleVersion = errors.New("stale checkpoint version")

	ErrEmptyInstance   = errors.New("empty instance")
	ErrMissingID       = errors.New("missing instance id")
	ErrInvalidVersion  = errors.New("invalid checkpoint version")
	ErrMissingSnapshot = errors.New("missing instance snapshot")
)

// Checkpoint is a durable snapshot of a workflow instance at a version.
type Checkpoint struct {
	InstanceID string             `json:"instance_id"`
	Version    int                `json:"version"`
	Instance   *workflow.Instance `json:"instance"`
	WrittenAt  time.Time          `json:"written_at"`
}

// Validate checks cp for missing values.
func (cp *Checkpoint) Validate() error {
	if cp == nil {
		return ErrEmptyInstance
	}
	if cp.InstanceID == "" {
		return ErrMissingID
	}
	if cp.Version < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, cp.Version)
	}
	if cp.Instance == nil {
		return ErrMissingSnapshot
	}
	return nil
}

// ValidateSave checks an instance about to be checkpointed.
func ValidateSave(inst *workflow.Instance) error {
	if inst == nil {
		return ErrEmptyInstance
	}
	if inst.InstanceID == "" {
		return ErrMissingID
	}
	if inst.CheckpointVersion < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, inst.CheckpointVersion)
	}
	return nil
}

// Store is the interface for checkpoint persistence backends.
//
// Save is atomic per instance: a new version is never visible until
// fully written, and concurrent saves for the same instance are
// serialized by an exclusive lock scoped to the instance ID. Saves for
// different instances proceed independently. A save whose
// CheckpointVersion is at or below the stored version fails with
// ErrStaleVersion.
type Store interface {
	// Save persists inst at inst.CheckpointVersion and returns the
	// stored version.
	Save(ctx context.Context, inst *workflow.Instance) (int, error)

	// Load retrieves the latest checkpoint for instanceID.
	// Returns ErrNotFound if the instance has never been checkpointed.
	Load(ctx context.Context, instanceID string) (*Checkpoint, error)

	// List returns IDs of instances whose last written status is one
	// of statuses. An empty filter matches every instance.
	List(ctx context.Context, statuses ...workflow.InstanceStatus) ([]string, error)

	// ListResumable returns IDs of instances whose last written status
	// was not terminal and not paused. Used at process start to resume
	// interrupted workflows.
	ListResumable(ctx context.Context) ([]string, error)

	// Delete removes all checkpoint records for instanceID.
	// Retention of terminal checkpoints is the caller's policy; the
	// engine never calls Delete on its own.
	Delete(ctx context.Context, instanceID string) error
}
