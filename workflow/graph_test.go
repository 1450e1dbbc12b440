package workflow

import (
	"errors"
	"reflect"
	"testing"
)

func defWithSteps(steps ...StepSpec) *Definition {
	return &Definition{ID: "test-def", Steps: steps}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		testName string
		def      *Definition
		wantErr  error
	}{
		{
			"no_steps",
			&Definition{ID: "empty"},
			ErrNoSteps,
		},
		{
			"single_step_ok",
			defWithSteps(StepSpec{ID: "a"}),
			nil,
		},
		{
			"duplicate_step",
			defWithSteps(StepSpec{ID: "a"}, StepSpec{ID: "a"}),
			ErrDuplicateStepID,
		},
		{
			"self_dependency",
			defWithSteps(StepSpec{ID: "a", DependsOn: []string{"a"}}),
			ErrSelfDependency,
		},
		{
			"linear_ok",
			defWithSteps(
				StepSpec{ID: "a"},
				StepSpec{ID: "b", DependsOn: []string{"a"}},
				StepSpec{ID: "c", DependsOn: []string{"b"}},
			),
			nil,
		},
		{
			"diamond_ok",
			defWithSteps(
				StepSpec{ID: "a"},
				StepSpec{ID: "b", DependsOn: []string{"a"}},
				StepSpec{ID: "c", DependsOn: []string{"a"}},
				StepSpec{ID: "d", DependsOn: []string{"b", "c"}},
			),
			nil,
		},
	} {
		t.Run(tc.testName, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("have: %v, want: %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateUnknownDependency(t *testing.T) {
	def := defWithSteps(StepSpec{ID: "a", DependsOn: []string{"ghost"}})
	err := def.Validate()
	var unknownErr *UnknownDependencyError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownDependencyError, have: %v", err)
	}
	if unknownErr.StepID != "a" || unknownErr.Dependency != "ghost" {
		t.Errorf("unexpected error detail: %+v", unknownErr)
	}
}

func TestValidateCycle(t *testing.T) {
	for _, tc := range []struct {
		testName  string
		def       *Definition
		wantSteps []string
	}{
		{
			"two_cycle",
			defWithSteps(
				StepSpec{ID: "a", DependsOn: []string{"b"}},
				StepSpec{ID: "b", DependsOn: []string{"a"}},
			),
			[]string{"a", "b"},
		},
		{
			"three_cycle_with_tail",
			defWithSteps(
				StepSpec{ID: "entry"},
				StepSpec{ID: "a", DependsOn: []string{"entry", "c"}},
				StepSpec{ID: "b", DependsOn: []string{"a"}},
				StepSpec{ID: "c", DependsOn: []string{"b"}},
			),
			[]string{"a", "b", "c"},
		},
	} {
		t.Run(tc.testName, func(t *testing.T) {
			err := tc.def.Validate()
			var cycleErr *CycleError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("expected CycleError, have: %v", err)
			}
			if !reflect.DeepEqual(cycleErr.StepIDs, tc.wantSteps) {
				t.Errorf("cycle steps: have: %v, want: %v", cycleErr.StepIDs, tc.wantSteps)
			}
		})
	}
}

func TestReadySteps(t *testing.T) {
	def := defWithSteps(
		StepSpec{ID: "a"},
		StepSpec{ID: "b", DependsOn: []string{"a"}},
		StepSpec{ID: "c", DependsOn: []string{"a"}},
		StepSpec{ID: "d", DependsOn: []string{"b", "c"}},
	)
	if err := def.Validate(); err != nil {
		t.Fatal(err)
	}

	states := map[string]*StepState{
		"a": {Status: StepPending},
		"b": {Status: StepPending},
		"c": {Status: StepPending},
		"d": {Status: StepPending},
	}

	if have, want := ReadySteps(def, states), []string{"a"}; !reflect.DeepEqual(have, want) {
		t.Errorf("initial ready-set: have: %v, want: %v", have, want)
	}

	// a succeeds: fan-out to b and c
	states["a"].Status = StepSucceeded
	if have, want := ReadySteps(def, states), []string{"b", "c"}; !reflect.DeepEqual(have, want) {
		t.Errorf("after a: have: %v, want: %v", have, want)
	}

	// one branch in flight does not gate the other
	states["b"].Status = StepRunning
	if have, want := ReadySteps(def, states), []string{"c"}; !reflect.DeepEqual(have, want) {
		t.Errorf("b in flight: have: %v, want: %v", have, want)
	}

	// join requires both branches
	states["b"].Status = StepSucceeded
	states["c"].Status = StepSucceeded
	if have, want := ReadySteps(def, states), []string{"d"}; !reflect.DeepEqual(have, want) {
		t.Errorf("join: have: %v, want: %v", have, want)
	}

	// a failed dependency never readies the dependent
	states["d"].Status = StepPending
	states["c"].Status = StepFailed
	if have := ReadySteps(def, states); len(have) != 0 {
		t.Errorf("failed dep: have: %v, want none", have)
	}
}

func TestReadyStepsIdempotent(t *testing.T) {
	def := defWithSteps(
		StepSpec{ID: "a"},
		StepSpec{ID: "b", DependsOn: []string{"a"}},
	)
	states := map[string]*StepState{
		"a": {Status: StepSucceeded},
		"b": {Status: StepPending},
	}
	first := ReadySteps(def, states)
	second := ReadySteps(def, states)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("ready-set not stable: %v vs %v", first, second)
	}
}

func TestTransitiveDependents(t *testing.T) {
	def := defWithSteps(
		StepSpec{ID: "a"},
		StepSpec{ID: "b", DependsOn: []string{"a"}},
		StepSpec{ID: "c", DependsOn: []string{"b"}},
		StepSpec{ID: "d", DependsOn: []string{"a"}},
		StepSpec{ID: "e"},
	)
	for _, tc := range []struct {
		stepID string
		want   []string
	}{
		{"a", []string{"b", "c", "d"}},
		{"b", []string{"c"}},
		{"c", nil},
		{"e", nil},
	} {
		have := TransitiveDependents(def, tc.stepID)
		if len(tc.want) == 0 && len(have) == 0 {
			continue
		}
		if !reflect.DeepEqual(have, tc.want) {
			t.Errorf("dependents of %s: have: %v, want: %v", tc.stepID, have, tc.want)
		}
	}
}
