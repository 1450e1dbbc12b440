package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orchcmd/orchcmd/workflow"

	"gopkg.in/yaml.v3"
)

// fileTemplate is the YAML shape of a template file.
// Durations use Go syntax ("30s", "5m"); on_failure is "abort" or
// "skip_dependents".
type fileTemplate struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Domain      string     `yaml:"domain"`
	Tags        []string   `yaml:"tags"`
	Concurrency int        `yaml:"concurrency"`
	Steps       []fileStep `yaml:"steps"`
}

type fileStep struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Domain     string            `yaml:"domain"`
	Capability string            `yaml:"capability"`
	Params     map[string]string `yaml:"params"`
	DependsOn  []string          `yaml:"depends_on"`
	Timeout    string            `yaml:"timeout"`
	Retry      fileRetry         `yaml:"retry"`
	OnFailure  string            `yaml:"on_failure"`
}

type fileRetry struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier"`
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

func (ft *fileTemplate) template() (*Template, error) {
	t := &Template{
		Name:        ft.Name,
		Description: ft.Description,
		Domain:      ft.Domain,
		Tags:        ft.Tags,
		Concurrency: ft.Concurrency,
	}
	for _, fs := range ft.Steps {
		spec := workflow.StepSpec{
			ID:         fs.ID,
			Name:       fs.Name,
			Domain:     fs.Domain,
			Capability: fs.Capability,
			Params:     fs.Params,
			DependsOn:  fs.DependsOn,
			Retry: workflow.RetryPolicy{
				MaxAttempts: fs.Retry.MaxAttempts,
				Multiplier:  fs.Retry.Multiplier,
			},
		}
		var err error
		if spec.Timeout, err = parseDuration(fs.Timeout, "timeout"); err != nil {
			return nil, fmt.Errorf("step %s: %w", fs.ID, err)
		}
		if spec.Retry.InitialInterval, err = parseDuration(fs.Retry.InitialInterval, "retry initial_interval"); err != nil {
			return nil, fmt.Errorf("step %s: %w", fs.ID, err)
		}
		if spec.Retry.MaxInterval, err = parseDuration(fs.Retry.MaxInterval, "retry max_interval"); err != nil {
			return nil, fmt.Errorf("step %s: %w", fs.ID, err)
		}
		if err = spec.OnFailure.UnmarshalText([]byte(fs.OnFailure)); err != nil {
			return nil, fmt.Errorf("step %s: %w", fs.ID, err)
		}
		t.Steps = append(t.Steps, spec)
	}
	return t, nil
}

// LoadFile parses a single YAML template file.
func LoadFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file: %w", err)
	}
	var ft fileTemplate
	if err = yaml.Unmarshal(raw, &ft); err != nil {
		return nil, fmt.Errorf("parsing template file %s: %w", path, err)
	}
	t, err := ft.template()
	if err != nil {
		return nil, fmt.Errorf("template file %s: %w", path, err)
	}
	if err = t.Validate(); err != nil {
		return nil, fmt.Errorf("template file %s: %w", path, err)
	}
	return t, nil
}

// LoadDirectory registers every *.yaml and *.yml template under path.
// Returns the number of templates registered. Any invalid file aborts
// the load.
func (r *Registry) LoadDirectory(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, fmt.Errorf("reading template directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := LoadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return count, err
		}
		if err = r.Register(t); err != nil {
			return count, fmt.Errorf("registering %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}
