package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type agentsFile struct {
	Agents []*Endpoint `yaml:"agents"`
}

// LoadFile reads agent endpoints from a YAML file.
// Agents that do not set "available" in the file default to available.
func LoadFile(path string) ([]*Endpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents file: %w", err)
	}
	var f agentsFile
	// yaml leaves Available false when the key is absent; decode into a
	// shadow map first to tell "absent" apart from an explicit false.
	var shadow struct {
		Agents []map[string]interface{} `yaml:"agents"`
	}
	if err = yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing agents file %s: %w", path, err)
	}
	if err = yaml.Unmarshal(raw, &shadow); err != nil {
		return nil, fmt.Errorf("parsing agents file %s: %w", path, err)
	}
	for i, ep := range f.Agents {
		if i < len(shadow.Agents) {
			if _, ok := shadow.Agents[i]["available"]; !ok {
				ep.Available = true
			}
		}
		if err = ep.Validate(); err != nil {
			return nil, fmt.Errorf("agents file %s: %w", path, err)
		}
	}
	return f.Agents, nil
}

// NewStaticFromFile creates a static router from a YAML agents file.
func NewStaticFromFile(path string) (*Static, error) {
	endpoints, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewStatic(endpoints...)
}
