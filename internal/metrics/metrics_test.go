package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
	_ "firestige.xyz/vnet/plugins"
)

func newTestCollector(t *testing.T) *FabricCollector {
	t.Helper()
	fabric, err := vswitch.New(1)
	require.NoError(t, err)
	t.Cleanup(fabric.Close)
	_, err = fabric.Activate("vs0", "nulldev", 4, nil)
	require.NoError(t, err)

	arena := memseg.NewArena(0)
	return NewFabricCollector(fabric, pkt.NewAllocator(arena), arena)
}

func TestCollectorEmitsFabricMetrics(t *testing.T) {
	c := newTestCollector(t)

	// 3 per switch, 6 allocator, 2 arena
	assert.Equal(t, 11, testutil.CollectAndCount(c))
}

func TestScrapeEndpoint(t *testing.T) {
	srv := NewServer("", "", newTestCollector(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vnet_switch_ports_in_use{mode="nulldev",switch="vs0"}`)
	assert.Contains(t, string(body), "vnet_pkt_allocs_total")
	assert.Contains(t, string(body), "vnet_arena_bytes")
}
