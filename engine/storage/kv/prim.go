package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/utils/kv"
	"github.com/orchcmd/orchcmd/workflow"
)

const (
	// checkpoint bucket key suffixes
	keySfxCheckpoint = ".ckpt"   // marshalled checkpoint record
	keySfxVersion    = ".ver"    // current checkpoint version
	keySfxStatus     = ".status" // instance status spelling
)

func keyCheckpoint(instanceID string) string {
	return instanceID + keySfxCheckpoint
}

func keyVersion(instanceID string) string {
	return instanceID + keySfxVersion
}

func keyStatus(instanceID string) string {
	return instanceID + keySfxStatus
}

// kvGetVersion reads the current version for instanceID, 0 if absent.
func kvGetVersion(ctx context.Context, b kv.Bucket, instanceID string) (int, error) {
	found, err := b.Has(ctx, keyVersion(instanceID))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	raw, err := b.Get(ctx, keyVersion(instanceID))
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

func kvSetVersion(ctx context.Context, b kv.Bucket, instanceID string, version int) error {
	return b.Set(ctx, keyVersion(instanceID), []byte(strconv.Itoa(version)))
}

func kvGetStatus(ctx context.Context, b kv.Bucket, instanceID string) (workflow.InstanceStatus, error) {
	raw, err := b.Get(ctx, keyStatus(instanceID))
	if err != nil {
		return 0, err
	}
	var status workflow.InstanceStatus
	if err = status.UnmarshalText(raw); err != nil {
		return 0, fmt.Errorf("unmarshaling status: %w", err)
	}
	return status, nil
}

func kvSetStatus(ctx context.Context, b kv.Bucket, instanceID string, status workflow.InstanceStatus) error {
	raw, err := status.MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return b.Set(ctx, keyStatus(instanceID), raw)
}

func kvSetCheckpoint(ctx context.Context, b kv.Bucket, inst *workflow.Instance) error {
	record := &storage.Checkpoint{
		InstanceID: inst.InstanceID,
		Version:    inst.CheckpointVersion,
		Instance:   inst,
		WrittenAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	return b.Set(ctx, keyCheckpoint(inst.InstanceID), raw)
}

func kvGetCheckpoint(ctx context.Context, b kv.Bucket, instanceID string) (*storage.Checkpoint, error) {
	raw, err := b.Get(ctx, keyCheckpoint(instanceID))
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint: %w", err)
	}
	record := new(storage.Checkpoint)
	if err = json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	if err = record.Validate(); err != nil {
		return nil, fmt.Errorf("validating checkpoint: %w", err)
	}
	return record, nil
}
