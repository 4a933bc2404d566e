package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology describes the switches to bring up at start.
type Topology struct {
	Switches []SwitchConfig `yaml:"switches"`
}

// SwitchConfig describes one switch.
type SwitchConfig struct {
	Name     string         `yaml:"name"`
	Mode     string         `yaml:"mode"`
	NumPorts int            `yaml:"num_ports"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// LoadTopology parses a topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("topology file does not exist: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("topology file %s: %w", path, err)
	}
	return &topo, nil
}

// Validate rejects duplicate switch names and malformed entries.
func (t *Topology) Validate() error {
	seen := make(map[string]bool, len(t.Switches))
	for i, sw := range t.Switches {
		if sw.Name == "" {
			return fmt.Errorf("switch %d: name is required", i)
		}
		if seen[sw.Name] {
			return fmt.Errorf("switch %q: duplicate name", sw.Name)
		}
		seen[sw.Name] = true
		if sw.Mode == "" {
			return fmt.Errorf("switch %q: mode is required", sw.Name)
		}
		if sw.NumPorts <= 0 {
			return fmt.Errorf("switch %q: num_ports must be positive, got %d", sw.Name, sw.NumPorts)
		}
	}
	return nil
}
