// Package template implements a registry of reusable workflow blueprints.
//
// A template is a workflow definition without an execution identity.
// Instantiate clones the blueprint, merges caller parameters into each
// step, and stamps a unique definition ID so the same template can run
// many times concurrently.
package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/orchcmd/orchcmd/utils/uuid"
	"github.com/orchcmd/orchcmd/workflow"
)

var (
	// ErrNotFound is returned when no template exists for a name.
	ErrNotFound = errors.New("template not found")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("template already registered")

	ErrEmptyTemplate = errors.New("empty template")
	ErrMissingName   = errors.New("missing template name")
)

// Template is a reusable workflow blueprint.
type Template struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Domain      string              `yaml:"domain"`
	Tags        []string            `yaml:"tags"`
	Concurrency int                 `yaml:"concurrency"`
	Steps       []workflow.StepSpec `yaml:"-"`
}

// Validate checks the template and its blueprint steps.
func (t *Template) Validate() error {
	if t == nil {
		return ErrEmptyTemplate
	}
	if strings.TrimSpace(t.Name) == "" {
		return ErrMissingName
	}
	def := t.blueprint("validate")
	if err := def.Validate(); err != nil {
		return fmt.Errorf("template %s: %w", t.Name, err)
	}
	return nil
}

// blueprint assembles a definition from the template steps.
func (t *Template) blueprint(definitionID string) *workflow.Definition {
	steps := make([]workflow.StepSpec, len(t.Steps))
	copy(steps, t.Steps)
	for i := range steps {
		if len(t.Steps[i].Params) > 0 {
			params := make(map[string]string, len(t.Steps[i].Params))
			for k, v := range t.Steps[i].Params {
				params[k] = v
			}
			steps[i].Params = params
		}
		steps[i].DependsOn = append([]string(nil), t.Steps[i].DependsOn...)
	}
	return &workflow.Definition{
		ID:          definitionID,
		Name:        t.Name,
		Description: t.Description,
		Concurrency: t.Concurrency,
		Steps:       steps,
	}
}

// Registry holds named workflow templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	ider      uuid.IDer
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*Template),
		ider:      uuid.NewUUID(),
	}
}

// Register adds t to the registry.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating template: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Name)
	}
	r.templates[t.Name] = t
	return nil
}

// Template returns the template registered under name.
func (r *Registry) Template(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate creates a runnable definition from the named template.
// params are merged into every step's parameters, overriding template
// values on key conflict. The definition ID is the template name plus
// a unique suffix.
func (r *Registry) Instantiate(name string, params map[string]string) (*workflow.Definition, error) {
	t, err := r.Template(name)
	if err != nil {
		return nil, err
	}

	suffix := r.ider.ID()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	def := t.blueprint(t.Name + "-" + suffix)

	if len(params) > 0 {
		for i := range def.Steps {
			if def.Steps[i].Params == nil {
				def.Steps[i].Params = make(map[string]string, len(params))
			}
			for k, v := range params {
				def.Steps[i].Params[k] = v
			}
		}
	}

	if err = def.Validate(); err != nil {
		return nil, fmt.Errorf("validating instantiated definition: %w", err)
	}
	return def, nil
}
