// Package test implements a conformance test suite for checkpoint store backends.
package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/workflow"
)

func testInstance(instanceID string) *workflow.Instance {
	def := &workflow.Definition{
		ID: "test-def",
		Steps: []workflow.StepSpec{
			{ID: "a", Domain: "discovery", Capability: "scan"},
			{ID: "b", Domain: "inventory", Capability: "collect", DependsOn: []string{"a"}},
		},
	}
	inst := workflow.NewInstance(instanceID, def, time.Now().UTC())
	inst.Status = workflow.InstanceRunning
	inst.CheckpointVersion = 1
	return inst
}

// TestCheckpointStore runs the storage conformance suite against s.
func TestCheckpointStore(t *testing.T, newStorage func() storage.Store) {
	s := newStorage()
	ctx := context.Background()

	t.Run("testSaveLoad", func(t *testing.T) {
		testSaveLoad(t, ctx, s)
	})

	t.Run("testVersioning", func(t *testing.T) {
		testVersioning(t, ctx, s)
	})

	t.Run("testNotFound", func(t *testing.T) {
		testNotFound(t, ctx, s)
	})

	t.Run("testListResumable", func(t *testing.T) {
		testListResumable(t, ctx, newStorage())
	})

	t.Run("testDelete", func(t *testing.T) {
		testDelete(t, ctx, s)
	})

	t.Run("testConcurrentSaves", func(t *testing.T) {
		testConcurrentSaves(t, ctx, newStorage())
	})

	t.Run("testConcurrentListSaves", func(t *testing.T) {
		testConcurrentListSaves(t, ctx, newStorage())
	})
}

func testSaveLoad(t *testing.T, ctx context.Context, s storage.Store) {
	inst := testInstance("INST-1")
	inst.StepStates["a"].Status = workflow.StepSucceeded
	inst.StepStates["a"].AttemptCount = 1

	version, err := s.Save(ctx, inst)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := version, 1; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}

	cp, err := s.Load(ctx, "INST-1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cp.InstanceID, "INST-1"; have != want {
		t.Errorf("instance id: have: %v, want: %v", have, want)
	}
	if have, want := cp.Version, 1; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}
	if cp.WrittenAt.IsZero() {
		t.Error("written_at not set")
	}
	if have, want := cp.Instance.StepStates["a"].Status, workflow.StepSucceeded; have != want {
		t.Errorf("step status: have: %v, want: %v", have, want)
	}
	if cp.Instance.Definition == nil || cp.Instance.Definition.Step("b") == nil {
		t.Error("definition snapshot missing from checkpoint")
	}

	// validation of junk saves
	if _, err := s.Save(ctx, nil); err == nil {
		t.Error("expected error saving nil instance")
	}
	bad := testInstance("")
	if _, err := s.Save(ctx, bad); err == nil {
		t.Error("expected error saving empty instance id")
	}
}

func testVersioning(t *testing.T, ctx context.Context, s storage.Store) {
	inst := testInstance("INST-VER")
	if _, err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}

	// versions strictly increase
	inst.CheckpointVersion = 2
	inst.StepStates["a"].Status = workflow.StepRunning
	if _, err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}

	// save at the stored version is rejected
	stale := inst.Clone()
	stale.CheckpointVersion = 2
	if _, err := s.Save(ctx, stale); !errors.Is(err, storage.ErrStaleVersion) {
		t.Errorf("have: %v, want: %v", err, storage.ErrStaleVersion)
	}

	// save below the stored version is rejected
	stale.CheckpointVersion = 1
	if _, err := s.Save(ctx, stale); !errors.Is(err, storage.ErrStaleVersion) {
		t.Errorf("have: %v, want: %v", err, storage.ErrStaleVersion)
	}

	// stored checkpoint untouched by the rejected saves
	cp, err := s.Load(ctx, "INST-VER")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cp.Version, 2; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}
	if have, want := cp.Instance.StepStates["a"].Status, workflow.StepRunning; have != want {
		t.Errorf("step status: have: %v, want: %v", have, want)
	}

	// gaps are allowed; only monotonicity is enforced
	inst.CheckpointVersion = 10
	if _, err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
}

func testNotFound(t *testing.T, ctx context.Context, s storage.Store) {
	if _, err := s.Load(ctx, "NEVER-SAVED"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
}

func testListResumable(t *testing.T, ctx context.Context, s storage.Store) {
	for _, tc := range []struct {
		instanceID string
		status     workflow.InstanceStatus
	}{
		{"RES-RUNNING", workflow.InstanceRunning},
		{"RES-PENDING", workflow.InstancePending},
		{"RES-PAUSED", workflow.InstancePaused},
		{"RES-DONE", workflow.InstanceCompleted},
		{"RES-FAILED", workflow.InstanceFailed},
		{"RES-CANCELLED", workflow.InstanceCancelled},
	} {
		inst := testInstance(tc.instanceID)
		inst.Status = tc.status
		if _, err := s.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.ListResumable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// backends may share state between harness runs so only assert
	// membership of the instances this test wrote
	have := make(map[string]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}
	for _, id := range []string{"RES-RUNNING", "RES-PENDING"} {
		if !have[id] {
			t.Errorf("missing resumable instance: %s", id)
		}
	}
	for _, id := range []string{"RES-PAUSED", "RES-DONE", "RES-FAILED", "RES-CANCELLED"} {
		if have[id] {
			t.Errorf("unexpected resumable instance: %s", id)
		}
	}

	// status-filtered listing
	ids, err = s.List(ctx, workflow.InstancePaused, workflow.InstanceCancelled)
	if err != nil {
		t.Fatal(err)
	}
	have = make(map[string]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}
	for _, id := range []string{"RES-PAUSED", "RES-CANCELLED"} {
		if !have[id] {
			t.Errorf("missing listed instance: %s", id)
		}
	}
	if have["RES-RUNNING"] || have["RES-DONE"] {
		t.Error("status filter returned non-matching instance")
	}

	// the latest status wins: re-save a resumable instance as terminal
	inst := testInstance("RES-RUNNING")
	inst.Status = workflow.InstanceCompleted
	inst.CheckpointVersion = 2
	if _, err = s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	ids, err = s.ListResumable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id == "RES-RUNNING" {
			t.Error("completed instance still listed as resumable")
		}
	}
}

func testDelete(t *testing.T, ctx context.Context, s storage.Store) {
	inst := testInstance("INST-DEL")
	if _, err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "INST-DEL"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "INST-DEL"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	// a deleted instance starts over at version 1
	inst.CheckpointVersion = 1
	if _, err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
}

// testConcurrentSaves checks single-writer serialization: racing saves
// for one instance must resolve to exactly one winner per version and
// a reader must always observe a complete checkpoint.
func testConcurrentSaves(t *testing.T, ctx context.Context, s storage.Store) {
	base := testInstance("INST-RACE")
	if _, err := s.Save(ctx, base); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, stale int

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst := base.Clone()
			inst.CheckpointVersion = 2
			_, err := s.Save(ctx, inst)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrStaleVersion):
				stale++
			default:
				t.Errorf("unexpected save error: %v", err)
			}
		}()
	}
	wg.Wait()

	if have, want := wins, 1; have != want {
		t.Errorf("winning saves: have: %v, want: %v", have, want)
	}
	if have, want := stale, racers-1; have != want {
		t.Errorf("stale saves: have: %v, want: %v", have, want)
	}

	cp, err := s.Load(ctx, "INST-RACE")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cp.Version, 2; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}
	if err := cp.Validate(); err != nil {
		t.Errorf("checkpoint incomplete after race: %v", err)
	}
}

// testConcurrentListSaves checks that listing never blocks writers: a
// List implementation that reads statuses while its key iteration is
// still open can wedge against a concurrent Save.
func testConcurrentListSaves(t *testing.T, ctx context.Context, s storage.Store) {
	const instances = 20
	for i := 0; i < instances; i++ {
		inst := testInstance(fmt.Sprintf("LIST-RACE-%d", i))
		if _, err := s.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for version := 2; ; version++ {
				select {
				case <-stop:
					return
				default:
				}
				inst := testInstance(fmt.Sprintf("LIST-RACE-%d", w))
				inst.CheckpointVersion = version
				if _, err := s.Save(ctx, inst); err != nil {
					t.Errorf("concurrent save: %v", err)
					return
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stop)
		for i := 0; i < 50; i++ {
			ids, err := s.List(ctx, workflow.InstanceRunning)
			if err != nil {
				t.Errorf("concurrent list: %v", err)
				return
			}
			if len(ids) < instances {
				t.Errorf("listed %d instances, want at least %d", len(ids), instances)
				return
			}
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("store wedged under concurrent list and save")
	}
}
