package command

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
	_ "firestige.xyz/vnet/plugins"
)

func newTestHandler(t *testing.T) *CommandHandler {
	t.Helper()
	fabric, err := vswitch.New(2)
	require.NoError(t, err)
	t.Cleanup(fabric.Close)
	_, err = fabric.Activate("vs0", "nulldev", 4, nil)
	require.NoError(t, err)

	arena := memseg.NewArena(0)
	return NewCommandHandler(fabric, pkt.NewAllocator(arena), arena)
}

func startServer(t *testing.T, h *CommandHandler) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "vnet-test.sock")
	srv := NewUDSServer(sock, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := NewUDSClient(sock, time.Second)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	return sock
}

func TestUDSStatusRoundTrip(t *testing.T) {
	sock := startServer(t, newTestHandler(t))
	client := NewUDSClient(sock, time.Second)

	resp, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "running", result["status"])
	assert.EqualValues(t, 1, result["switches"])
}

func TestUDSStats(t *testing.T) {
	sock := startServer(t, newTestHandler(t))
	client := NewUDSClient(sock, time.Second)

	resp, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, result, "fabric")
	assert.Contains(t, result, "allocator")
}

func TestUDSSwitchAndPortList(t *testing.T) {
	h := newTestHandler(t)
	sock := startServer(t, h)
	client := NewUDSClient(sock, time.Second)

	resp, err := client.SwitchList(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	switches, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, switches, 1)

	// no ports connected yet
	resp, err = client.PortList(context.Background(), "vs0")
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	// unknown switch is an error response, not a transport failure
	resp, err = client.PortList(context.Background(), "nope")
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestUDSMethodNotFound(t *testing.T) {
	sock := startServer(t, newTestHandler(t))
	client := NewUDSClient(sock, time.Second)

	resp, err := client.Call(context.Background(), "task.create", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandlerShutdownNotWired(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Handle(context.Background(), Command{Method: "daemon.shutdown", ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

func TestHandlerShutdownCallback(t *testing.T) {
	h := newTestHandler(t)
	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })

	resp := h.Handle(context.Background(), Command{Method: "daemon.shutdown", ID: "1"})
	require.Nil(t, resp.Error)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never ran")
	}
}
