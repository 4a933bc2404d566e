package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "vnet.yaml", `
vnet:
  topology: /etc/vnet/topology.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/run/vnet.sock", cfg.Control.Socket)
	assert.Equal(t, 8, cfg.Fabric.NumSwitches)
	assert.Equal(t, 16, cfg.Memory.ArenaSizeMB)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/etc/vnet/topology.yaml", cfg.Topology)
}

func TestLoadOverrides(t *testing.T) {
	path := writeFile(t, "vnet.yaml", `
vnet:
  control:
    socket: /tmp/test-vnet.sock
  fabric:
    num_switches: 2
  log:
    level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-vnet.sock", cfg.Control.Socket)
	assert.Equal(t, 2, cfg.Fabric.NumSwitches)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"bad level", "vnet:\n  log:\n    level: loud\n"},
		{"bad fabric size", "vnet:\n  fabric:\n    num_switches: -1\n"},
		{"bad arena size", "vnet:\n  memory:\n    arena_size_mb: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "vnet.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/vnet.yaml")
	assert.Error(t, err)
}

func TestLoadTopology(t *testing.T) {
	path := writeFile(t, "topology.yaml", `
switches:
  - name: vs0
    mode: hub
    num_ports: 32
    options:
      copy-on-flood: true
  - name: vs1
    mode: nulldev
    num_ports: 8
`)
	topo, err := LoadTopology(path)
	require.NoError(t, err)
	require.Len(t, topo.Switches, 2)
	assert.Equal(t, "vs0", topo.Switches[0].Name)
	assert.Equal(t, "hub", topo.Switches[0].Mode)
	assert.Equal(t, 32, topo.Switches[0].NumPorts)
	assert.Equal(t, true, topo.Switches[0].Options["copy-on-flood"])
}

func TestLoadTopologyValidation(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"missing name", "switches:\n  - mode: hub\n    num_ports: 4\n"},
		{"missing mode", "switches:\n  - name: vs0\n    num_ports: 4\n"},
		{"bad ports", "switches:\n  - name: vs0\n    mode: hub\n    num_ports: 0\n"},
		{"dup name", "switches:\n  - name: vs0\n    mode: hub\n    num_ports: 4\n  - name: vs0\n    mode: hub\n    num_ports: 4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTopology(writeFile(t, "topology.yaml", tt.body))
			assert.Error(t, err)
		})
	}
	_, err := LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
