package hub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
	_ "firestige.xyz/vnet/plugins"
)

type nopClient struct{}

func (nopClient) PortEnable(*vswitch.Port) error        { return nil }
func (nopClient) PortDisable(*vswitch.Port, bool) error { return nil }
func (nopClient) PortDisconnect(*vswitch.Port)          {}

var (
	macA = vswitch.MACAddr{0x00, 0x50, 0x56, 0, 0, 0x0a}
	macB = vswitch.MACAddr{0x00, 0x50, 0x56, 0, 0, 0x0b}
	macC = vswitch.MACAddr{0x00, 0x50, 0x56, 0, 0, 0x0c}
)

func ethFrame(t *testing.T, a *pkt.Allocator, dst, src vswitch.MACAddr) *pkt.Handle {
	t.Helper()
	b := make([]byte, 0, 60)
	b = append(b, dst[:]...)
	b = append(b, src[:]...)
	b = append(b, 0x08, 0x00)
	b = append(b, make([]byte, 46)...)
	h, err := a.Alloc(len(b), 0)
	require.NoError(t, err)
	require.NoError(t, h.AppendBytes(b))
	return h
}

func newHubFabric(t *testing.T, opts map[string]any) (*vswitch.Fabric, []core.PortID) {
	t.Helper()
	f, err := vswitch.New(1)
	require.NoError(t, err)
	t.Cleanup(f.Close)

	_, err = f.Activate("vs0", "hub", 4, opts)
	require.NoError(t, err)

	ids := make([]core.PortID, 3)
	for i := range ids {
		ids[i], err = f.ConnectPort("vs0", nopClient{}, nil)
		require.NoError(t, err)
		require.NoError(t, f.EnablePort(ids[i]))
	}
	return f, ids
}

func inject(t *testing.T, f *vswitch.Fabric, id core.PortID, frames ...*pkt.Handle) {
	t.Helper()
	err := f.WithPort(id, func(p *vswitch.Port) error {
		l := pkt.NewList()
		for _, h := range frames {
			l.AddToTail(h)
		}
		_, err := p.Input(l)
		return err
	})
	require.NoError(t, err)
}

func portRx(t *testing.T, f *vswitch.Fabric, id core.PortID) uint64 {
	t.Helper()
	var rx uint64
	require.NoError(t, f.WithPort(id, func(p *vswitch.Port) error {
		rx = p.Stats().PktsRxOK
		return nil
	}))
	return rx
}

func TestHubFloods(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	f, ids := newHubFabric(t, nil)

	inject(t, f, ids[0],
		ethFrame(t, a, macB, macA),
		ethFrame(t, a, vswitch.BroadcastMAC, macA))

	assert.Equal(t, uint64(0), portRx(t, f, ids[0]), "never echoed to the source")
	assert.Equal(t, uint64(2), portRx(t, f, ids[1]))
	assert.Equal(t, uint64(2), portRx(t, f, ids[2]))
	assert.Equal(t, uint64(4), a.Stats().Clones)
}

func TestHubSkipsDisabledPorts(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	f, ids := newHubFabric(t, nil)

	require.NoError(t, f.DisablePort(ids[2], false))
	inject(t, f, ids[0], ethFrame(t, a, macB, macA))

	assert.Equal(t, uint64(1), portRx(t, f, ids[1]))
	assert.Equal(t, uint64(0), portRx(t, f, ids[2]))
}

func TestHubHonorsDestFilter(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	f, ids := newHubFabric(t, nil)

	frp := &vswitch.FRP{
		Output: vswitch.EthFilter{
			Flags:       vswitch.FilterUnicast | vswitch.FilterBroadcast,
			UnicastAddr: macB,
		},
	}
	require.NoError(t, f.UpdatePortFRP(ids[1], frp))

	inject(t, f, ids[0],
		ethFrame(t, a, macB, macA),
		ethFrame(t, a, macC, macA))

	var filtered, passed uint64
	require.NoError(t, f.WithPort(ids[1], func(p *vswitch.Port) error {
		st := p.OutputPipeline().Stats()
		filtered, passed = st.PktsFiltered, st.PktsPassed
		return nil
	}))
	assert.Equal(t, uint64(1), filtered, "frame for another station is filtered")
	assert.Equal(t, uint64(1), passed)

	// the unfiltered port sees both frames
	require.NoError(t, f.WithPort(ids[2], func(p *vswitch.Port) error {
		assert.Equal(t, uint64(2), p.OutputPipeline().Stats().PktsPassed)
		return nil
	}))
}

func TestHubFilterRemovedOnPromisc(t *testing.T) {
	f, ids := newHubFabric(t, nil)

	frp := &vswitch.FRP{
		Output: vswitch.EthFilter{Flags: vswitch.FilterUnicast, UnicastAddr: macB},
	}
	require.NoError(t, f.UpdatePortFRP(ids[1], frp))
	require.NoError(t, f.WithPort(ids[1], func(p *vswitch.Port) error {
		assert.NotNil(t, p.OutputPipeline().FindByName("hub-dest-filter"))
		return nil
	}))

	frp.Output.Flags |= vswitch.FilterPromisc
	require.NoError(t, f.UpdatePortFRP(ids[1], frp))
	require.NoError(t, f.WithPort(ids[1], func(p *vswitch.Port) error {
		assert.Nil(t, p.OutputPipeline().FindByName("hub-dest-filter"))
		return nil
	}))
}

func TestHubFilterPrunedOnDisable(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	f, ids := newHubFabric(t, nil)

	frp := &vswitch.FRP{
		Output: vswitch.EthFilter{Flags: vswitch.FilterUnicast, UnicastAddr: macB},
	}
	require.NoError(t, f.UpdatePortFRP(ids[1], frp))

	// disabling clears the pipelines; the hub learns about it through
	// the remove notifications on its links
	require.NoError(t, f.DisablePort(ids[1], false))
	require.NoError(t, f.EnablePort(ids[1]))
	require.NoError(t, f.WithPort(ids[1], func(p *vswitch.Port) error {
		assert.Nil(t, p.OutputPipeline().FindByName("hub-dest-filter"))
		return nil
	}))

	// a fresh policy installs cleanly afterwards and filters again
	require.NoError(t, f.UpdatePortFRP(ids[1], frp))
	inject(t, f, ids[0], ethFrame(t, a, macC, macA))
	require.NoError(t, f.WithPort(ids[1], func(p *vswitch.Port) error {
		assert.Equal(t, uint64(1), p.OutputPipeline().Stats().PktsFiltered)
		return nil
	}))
}

func TestHubCopyOnFlood(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	f, ids := newHubFabric(t, map[string]any{"copy-on-flood": true})

	inject(t, f, ids[0], ethFrame(t, a, macB, macA))

	assert.Equal(t, uint64(2), a.Stats().Copies, "one private copy per destination")
	assert.Equal(t, uint64(1), portRx(t, f, ids[1]))
}

func TestHubRejectsBadOptions(t *testing.T) {
	f, err := vswitch.New(1)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Activate("vs0", "hub", 2, map[string]any{"copy-on-flood": "definitely"})
	assert.Error(t, err)
}
