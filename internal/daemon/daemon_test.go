package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/command"
	_ "firestige.xyz/vnet/plugins"
)

func writeTestConfig(t *testing.T) (configPath, sockPath string) {
	t.Helper()
	dir := t.TempDir()
	sockPath = filepath.Join(dir, "vnet.sock")
	topoPath := filepath.Join(dir, "topology.yaml")
	configPath = filepath.Join(dir, "vnet.yaml")

	topo := `
switches:
  - name: vs0
    mode: hub
    num_ports: 4
  - name: vs1
    mode: nulldev
    num_ports: 2
`
	require.NoError(t, os.WriteFile(topoPath, []byte(topo), 0o644))

	cfg := fmt.Sprintf(`
vnet:
  control:
    socket: %s
    pid_file: %s
  fabric:
    num_switches: 2
  memory:
    arena_size_mb: 1
  topology: %s
`, sockPath, filepath.Join(dir, "vnet.pid"), topoPath)
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return configPath, sockPath
}

func TestDaemonStartStop(t *testing.T) {
	configPath, sockPath := writeTestConfig(t)

	d, err := New(configPath)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	// topology switches came up
	st := d.Fabric().Stats()
	require.Len(t, st.Switches, 2)
	assert.Equal(t, "vs0", st.Switches[0].Name)
	assert.Equal(t, "hub", st.Switches[0].Mode)

	// control socket answers
	client := command.NewUDSClient(sockPath, time.Second)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestDaemonShutdownCommand(t *testing.T) {
	configPath, sockPath := writeTestConfig(t)

	d, err := New(configPath)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	client := command.NewUDSClient(sockPath, time.Second)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.Shutdown(context.Background())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}
}

func TestDaemonRejectsBadTopology(t *testing.T) {
	dir := t.TempDir()
	topoPath := filepath.Join(dir, "topology.yaml")
	configPath := filepath.Join(dir, "vnet.yaml")

	require.NoError(t, os.WriteFile(topoPath, []byte(`
switches:
  - name: vs0
    mode: no-such-mode
    num_ports: 4
`), 0o644))
	cfg := fmt.Sprintf(`
vnet:
  control:
    socket: %s
    pid_file: ""
  topology: %s
`, filepath.Join(dir, "vnet.sock"), topoPath)
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))

	d, err := New(configPath)
	require.NoError(t, err)
	assert.Error(t, d.Start())
}
