package action

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Resources []seedResource `yaml:"resources"`
}

type seedResource struct {
	ID      string         `yaml:"id"`
	Kind    string         `yaml:"kind"`
	Version int64          `yaml:"version"`
	State   map[string]any `yaml:"state"`
}

// LoadSeeds reads resources from a YAML seed file.
//
// Precondition: path must name a readable YAML file with a resources list.
// Postcondition: Returns the resources with JSON-encoded state, or an error
// naming the first invalid entry.
func LoadSeeds(path string) ([]Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeeds(data)
}

// ParseSeeds decodes seed YAML.
func ParseSeeds(data []byte) ([]Resource, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed yaml: %w", err)
	}
	seen := make(map[string]bool, len(f.Resources))
	out := make([]Resource, 0, len(f.Resources))
	for i, r := range f.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("seed resource %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("seed resource %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.State == nil {
			r.State = map[string]any{}
		}
		state, err := json.Marshal(r.State)
		if err != nil {
			return nil, fmt.Errorf("seed resource %q: encoding state: %w", r.ID, err)
		}
		version := r.Version
		if version <= 0 {
			version = 1
		}
		out = append(out, Resource{ID: r.ID, Kind: r.Kind, Version: version, State: state})
	}
	return out, nil
}
