// Package kv implements a checkpoint store using a key-value interface.
package kv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/utils/kv"
	"github.com/orchcmd/orchcmd/workflow"
)

// KV is a checkpoint store backed by a key-value bucket.
// Writes for one instance are serialized by a per-instance mutex;
// different instances save independently.
type KV struct {
	ckptStore kv.TraversingBucket

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a new key-value checkpoint store.
func New(ckptStore kv.TraversingBucket) *KV {
	return &KV{
		ckptStore: ckptStore,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock returns the exclusive lock for instanceID, creating it if needed.
func (s *KV) lock(instanceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[instanceID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[instanceID] = mu
	}
	return mu
}

// Save implements the storage interface method.
func (s *KV) Save(ctx context.Context, inst *workflow.Instance) (int, error) {
	if err := storage.ValidateSave(inst); err != nil {
		return 0, fmt.Errorf("validating instance: %w", err)
	}

	mu := s.lock(inst.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	current, err := kvGetVersion(ctx, s.ckptStore, inst.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("reading current version: %w", err)
	}
	if inst.CheckpointVersion <= current {
		return current, fmt.Errorf(
			"%w: saving %d, stored %d",
			storage.ErrStaleVersion, inst.CheckpointVersion, current,
		)
	}

	// the whole record is a single key so a concurrent reader observes
	// either the old or the new version in full, never a mix
	if err = kvSetCheckpoint(ctx, s.ckptStore, inst); err != nil {
		return 0, fmt.Errorf("writing checkpoint record: %w", err)
	}
	if err = kvSetVersion(ctx, s.ckptStore, inst.InstanceID, inst.CheckpointVersion); err != nil {
		return 0, fmt.Errorf("writing version record: %w", err)
	}
	if err = kvSetStatus(ctx, s.ckptStore, inst.InstanceID, inst.Status); err != nil {
		return 0, fmt.Errorf("writing status record: %w", err)
	}

	return inst.CheckpointVersion, nil
}

// Load implements the storage interface method.
func (s *KV) Load(ctx context.Context, instanceID string) (*storage.Checkpoint, error) {
	if instanceID == "" {
		return nil, storage.ErrMissingID
	}
	found, err := s.ckptStore.Has(ctx, keyCheckpoint(instanceID))
	if err != nil {
		return nil, fmt.Errorf("checking checkpoint exists: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, instanceID)
	}
	return kvGetCheckpoint(ctx, s.ckptStore, instanceID)
}

// List implements the storage interface method.
func (s *KV) List(ctx context.Context, statuses ...workflow.InstanceStatus) ([]string, error) {
	// collect the instance IDs first, then read statuses. reading while
	// the key iteration is open would hold the bucket's read lock across
	// the nested Get and wedge against any concurrent writer.
	var all []string
	for k := range s.ckptStore.Keys(nil) {
		if strings.HasSuffix(k, keySfxStatus) {
			all = append(all, strings.TrimSuffix(k, keySfxStatus))
		}
	}
	if len(statuses) < 1 {
		return all, nil
	}
	var ids []string
	for _, instanceID := range all {
		status, err := kvGetStatus(ctx, s.ckptStore, instanceID)
		if err != nil {
			return ids, fmt.Errorf("reading status for %s: %w", instanceID, err)
		}
		for _, want := range statuses {
			if status == want {
				ids = append(ids, instanceID)
				break
			}
		}
	}
	return ids, nil
}

// ListResumable implements the storage interface method.
func (s *KV) ListResumable(ctx context.Context) ([]string, error) {
	return s.List(ctx, workflow.InstancePending, workflow.InstanceRunning)
}

// Delete implements the storage interface method.
func (s *KV) Delete(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return storage.ErrMissingID
	}
	mu := s.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()
	return kv.DeleteSlice(ctx, s.ckptStore, []string{
		keyCheckpoint(instanceID),
		keyVersion(instanceID),
		keyStatus(instanceID),
	})
}
