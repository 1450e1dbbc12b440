package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchcmd/orchcmd/workflow"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	tmpl := &Template{
		Name: "patch-rollout",
		Steps: []workflow.StepSpec{
			{ID: "stage", Domain: "patching", Capability: "stage_patches"},
			{ID: "apply", Domain: "patching", Capability: "apply_patches", DependsOn: []string{"stage"}},
		},
	}
	if err := r.Register(tmpl); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(tmpl); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered; got: %v", err)
	}
	if _, err := r.Template("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound; got: %v", err)
	}
	if have, want := len(r.Names()), 1; have != want {
		t.Errorf("names: have: %v, want: %v", have, want)
	}

	// invalid blueprints are rejected at registration
	bad := &Template{
		Name: "cyclic",
		Steps: []workflow.StepSpec{
			{ID: "a", Domain: "x", DependsOn: []string{"b"}},
			{ID: "b", Domain: "x", DependsOn: []string{"a"}},
		},
	}
	if err := r.Register(bad); err == nil {
		t.Error("expected validation error for cyclic template")
	}
	if err := r.Register(&Template{Name: " "}); !errors.Is(err, ErrMissingName) {
		t.Errorf("expected ErrMissingName; got: %v", err)
	}
}

func TestInstantiate(t *testing.T) {
	r := NewRegistry()
	tmpl := &Template{
		Name: "patch-rollout",
		Steps: []workflow.StepSpec{
			{ID: "stage", Domain: "patching", Capability: "stage_patches", Params: map[string]string{"ring": "canary"}},
			{ID: "apply", Domain: "patching", Capability: "apply_patches", DependsOn: []string{"stage"}},
		},
	}
	if err := r.Register(tmpl); err != nil {
		t.Fatal(err)
	}

	def1, err := r.Instantiate("patch-rollout", map[string]string{"ring": "prod", "window": "night"})
	if err != nil {
		t.Fatal(err)
	}
	def2, err := r.Instantiate("patch-rollout", nil)
	if err != nil {
		t.Fatal(err)
	}

	// each instantiation has a unique identity
	if def1.ID == def2.ID {
		t.Errorf("definition ids not unique: %s", def1.ID)
	}
	// caller parameters override template parameters
	if have, want := def1.Step("stage").Params["ring"], "prod"; have != want {
		t.Errorf("param: have: %v, want: %v", have, want)
	}
	if have, want := def1.Step("apply").Params["window"], "night"; have != want {
		t.Errorf("param: have: %v, want: %v", have, want)
	}
	// the template blueprint is untouched
	if have, want := tmpl.Steps[0].Params["ring"], "canary"; have != want {
		t.Errorf("template param mutated: have: %v, want: %v", have, want)
	}
	if def2.Step("stage").Params["ring"] != "canary" {
		t.Error("second instantiation saw first instantiation's params")
	}

	if _, err = r.Instantiate("nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound; got: %v", err)
	}
}

func TestBuiltins(t *testing.T) {
	r, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatal(err)
	}
	names := r.Names()
	want := []string{"asset-lifecycle", "cmdb-health-check", "discovery-audit", "incident-response"}
	if len(names) != len(want) {
		t.Fatalf("builtins: have: %v, want: %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("builtins[%d]: have: %v, want: %v", i, names[i], want[i])
		}
	}

	// every builtin instantiates to a valid definition
	for _, name := range names {
		def, err := r.Instantiate(name, nil)
		if err != nil {
			t.Errorf("instantiating %s: %v", name, err)
			continue
		}
		if err = def.Validate(); err != nil {
			t.Errorf("validating %s: %v", name, err)
		}
	}
}

func TestLoadDirectory(t *testing.T) {
	const patchYAML = `name: patch-rollout
description: Stage and apply patches in rings.
domain: patching
tags: [patching, rollout]
concurrency: 2
steps:
  - id: stage
    name: Stage Patches
    domain: patching
    capability: stage_patches
    timeout: 30s
    retry:
      max_attempts: 5
      initial_interval: 2s
      max_interval: 1m
      multiplier: 2
  - id: apply
    name: Apply Patches
    domain: patching
    capability: apply_patches
    depends_on: [stage]
    on_failure: skip_dependents
`
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "patch.yaml"), []byte(patchYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	n, err := r.LoadDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Errorf("loaded: have: %v, want: %v", have, want)
	}

	tmpl, err := r.Template("patch-rollout")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := tmpl.Concurrency, 2; have != want {
		t.Errorf("concurrency: have: %v, want: %v", have, want)
	}
	stage := tmpl.Steps[0]
	if have, want := stage.Timeout, 30*time.Second; have != want {
		t.Errorf("timeout: have: %v, want: %v", have, want)
	}
	if have, want := stage.Retry.MaxAttempts, 5; have != want {
		t.Errorf("max attempts: have: %v, want: %v", have, want)
	}
	if have, want := stage.Retry.InitialInterval, 2*time.Second; have != want {
		t.Errorf("initial interval: have: %v, want: %v", have, want)
	}
	apply := tmpl.Steps[1]
	if have, want := apply.OnFailure, workflow.SkipDependents; have != want {
		t.Errorf("on_failure: have: %v, want: %v", have, want)
	}

	// malformed files abort the load
	if err = os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("steps: [{id: x, depends_on: [y]}]"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err = NewRegistry().LoadDirectory(dir); err == nil {
		t.Error("expected error loading directory with invalid template")
	}
}
