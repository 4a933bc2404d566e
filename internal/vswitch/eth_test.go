package vswitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/pkt"
)

var (
	macA     = MACAddr{0x00, 0x50, 0x56, 0x00, 0x00, 0x0a}
	macB     = MACAddr{0x00, 0x50, 0x56, 0x00, 0x00, 0x0b}
	macMcast = MACAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
)

func TestMACAddrClasses(t *testing.T) {
	assert.True(t, BroadcastMAC.IsBroadcast())
	assert.True(t, BroadcastMAC.IsMulticast())
	assert.True(t, macMcast.IsMulticast())
	assert.False(t, macMcast.IsBroadcast())
	assert.True(t, macA.IsUnicast())
	assert.Equal(t, "00:50:56:00:00:0a", macA.String())
}

func TestEthFilterPass(t *testing.T) {
	tests := []struct {
		name string
		f    EthFilter
		addr MACAddr
		want bool
	}{
		{"unicast match", EthFilter{Flags: FilterUnicast, UnicastAddr: macA}, macA, true},
		{"unicast mismatch", EthFilter{Flags: FilterUnicast, UnicastAddr: macA}, macB, false},
		{"unicast no flag", EthFilter{UnicastAddr: macA}, macA, false},
		{"unicast promisc", EthFilter{Flags: FilterPromisc}, macB, true},
		{"broadcast", EthFilter{Flags: FilterBroadcast}, BroadcastMAC, true},
		{"broadcast blocked", EthFilter{Flags: FilterUnicast, UnicastAddr: macA}, BroadcastMAC, false},
		{"broadcast promisc", EthFilter{Flags: FilterPromisc}, BroadcastMAC, true},
		{"mcast promisc", EthFilter{Flags: FilterPromisc}, macMcast, true},
		{"mcast list match", EthFilter{Flags: FilterMulticast, MulticastAddrs: []MACAddr{macMcast}}, macMcast, true},
		{"mcast list miss", EthFilter{Flags: FilterMulticast, MulticastAddrs: []MACAddr{{0x01, 2, 3, 4, 5, 6}}}, macMcast, false},
		{"allmulti", EthFilter{Flags: FilterAllMulti}, macMcast, true},
		{"mcast list shadows allmulti", EthFilter{Flags: FilterMulticast | FilterAllMulti}, macMcast, false},
		{"mcast nothing", EthFilter{}, macMcast, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Pass(tt.addr))
		})
	}
}

func TestEthFilterLADRF(t *testing.T) {
	f := EthFilter{Flags: FilterUseLADRF}
	h := ladrfHash(macMcast)
	require.Less(t, h, uint8(64))
	f.LADRF[h>>3] |= 1 << (h & 0x07)

	assert.True(t, f.Pass(macMcast))

	f.LADRF = [LADRFLen]byte{}
	assert.False(t, f.Pass(macMcast))
}

func TestLADRFHashStable(t *testing.T) {
	// buckets must be deterministic and within the 64-entry table
	seen := map[uint8]bool{}
	addrs := []MACAddr{macMcast, {0x01, 0, 0x5e, 1, 2, 3}, {0x33, 0x33, 0, 0, 0, 1}}
	for _, a := range addrs {
		h := ladrfHash(a)
		assert.Less(t, h, uint8(64))
		assert.Equal(t, h, ladrfHash(a))
		seen[h] = true
	}
	assert.Greater(t, len(seen), 1, "distinct group addresses should spread")
}

func ethFrame(t *testing.T, a *pkt.Allocator, dst, src MACAddr) *pkt.Handle {
	t.Helper()
	b := make([]byte, 0, 60)
	b = append(b, dst[:]...)
	b = append(b, src[:]...)
	b = append(b, 0x08, 0x00)
	b = append(b, make([]byte, 46)...)
	return newTestFrame(t, a, b)
}

func TestDestFilterHook(t *testing.T) {
	a := newTestAllocator()
	f, err := New(1)
	require.NoError(t, err)
	defer f.Close()
	port := &Port{sw: &f.slots[0]}

	filt := &EthFilter{Flags: FilterUnicast | FilterBroadcast, UnicastAddr: macA}
	hook := NewDestFilterHook(filt)

	pkts := pkt.NewList()
	pkts.SetMayModify(true)
	pass := ethFrame(t, a, macA, macB)
	blockedDst := ethFrame(t, a, macB, macA)
	bcast := ethFrame(t, a, BroadcastMAC, macB)
	short := newTestFrame(t, a, []byte{1, 2, 3})
	pkts.AddToTail(pass)
	pkts.AddToTail(blockedDst)
	pkts.AddToTail(bcast)
	pkts.AddToTail(short)

	require.NoError(t, hook(port, pkts))

	assert.Equal(t, 2, pkts.Len())
	assert.Same(t, pass, pkts.First())
	assert.Same(t, bcast, pkts.Next(pass))
	pkts.ReleaseAll()
}

func TestSourceFilterHook(t *testing.T) {
	a := newTestAllocator()
	f, err := New(1)
	require.NoError(t, err)
	defer f.Close()
	port := &Port{sw: &f.slots[0]}

	filt := &EthFilter{Flags: FilterUnicast, UnicastAddr: macA}
	hook := NewSourceFilterHook(filt)

	pkts := pkt.NewList()
	pkts.SetMayModify(true)
	fromA := ethFrame(t, a, macB, macA)
	fromB := ethFrame(t, a, macA, macB)
	pkts.AddToTail(fromA)
	pkts.AddToTail(fromB)

	require.NoError(t, hook(port, pkts))

	assert.Equal(t, 1, pkts.Len())
	assert.Same(t, fromA, pkts.First())
	pkts.ReleaseAll()
}
