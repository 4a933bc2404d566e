package vswitch

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/pkt"
)

// SwitchImpl is the pluggable switching behavior of a Switch: how
// frames move between its ports. Implementations are registered by
// mode name and built per activated switch. All callbacks run under
// the switch lock (shared for Dispatch, exclusive for the rest).
type SwitchImpl interface {
	// Dispatch routes frames arriving from a port. Packets it wants to
	// keep must be removed from the list; the caller completes the
	// rest.
	Dispatch(sw *Switch, from *Port, pkts *pkt.List) error
	// PortConnect is called after a port slot is claimed.
	PortConnect(sw *Switch, p *Port) error
	// PortDisconnect is called before the slot is released.
	PortDisconnect(sw *Switch, p *Port) error
	// PortEnable is called when a port is being enabled.
	PortEnable(sw *Switch, p *Port) error
	// PortDisable is called when a port is being disabled.
	PortDisable(sw *Switch, p *Port, force bool) error
	// PortFRPUpdate rebuilds whatever filter hooks the implementation
	// keeps on the port.
	PortFRPUpdate(sw *Switch, p *Port, frp *FRP) error
	// Deactivate tears down implementation state.
	Deactivate(sw *Switch)
}

// UplinkImpl is an optional extension for modes that treat one port as
// the switch's uplink. Implementations that don't care simply don't
// implement it.
type UplinkImpl interface {
	// PortUplinkConnect is called after PortConnect when the port was
	// connected as an uplink. An error unwinds the connect.
	PortUplinkConnect(sw *Switch, p *Port) error
	// PortUplinkDisconnect is called before PortDisconnect for uplink
	// ports.
	PortUplinkDisconnect(sw *Switch, p *Port)
}

// ModeFactory builds a SwitchImpl from decoded topology options.
type ModeFactory func(opts map[string]any) (SwitchImpl, error)

var modeRegistry = struct {
	sync.RWMutex
	factories map[string]ModeFactory
}{factories: make(map[string]ModeFactory)}

// RegisterMode makes a switch mode available to Activate. Duplicate
// registration panics; modes register from init functions.
func RegisterMode(name string, f ModeFactory) {
	modeRegistry.Lock()
	defer modeRegistry.Unlock()
	if _, dup := modeRegistry.factories[name]; dup {
		panic("vswitch: duplicate switch mode " + name)
	}
	modeRegistry.factories[name] = f
}

// Modes returns the registered mode names, sorted.
func Modes() []string {
	modeRegistry.RLock()
	defer modeRegistry.RUnlock()
	names := make([]string, 0, len(modeRegistry.factories))
	for name := range modeRegistry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newModeImpl(mode string, opts map[string]any) (SwitchImpl, error) {
	modeRegistry.RLock()
	f := modeRegistry.factories[mode]
	modeRegistry.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("switch mode %q: %w", mode, core.ErrNotFound)
	}
	return f(opts)
}

// SwitchStats is a snapshot of a switch's counters.
type SwitchStats struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	NumPorts   int    `json:"num_ports"`
	PortsInUse int    `json:"ports_in_use"`
	Dispatched uint64 `json:"pkts_dispatched"`
	Dropped    uint64 `json:"pkts_dropped"`
}

// Switch is one slot of the fabric: a name, a port array and a
// switching implementation. The port array is sized to a power of two
// at activation and may grow across reactivations but never shrinks;
// the port ID generation counter survives deactivation so stale IDs
// from an earlier life never alias new ports.
type Switch struct {
	fabric *Fabric
	idx    int

	// guards ports and all port state; shared for the data path,
	// exclusive for control operations
	mu sync.RWMutex

	name        string
	mode        string
	active      bool
	impl        SwitchImpl
	ports       []Port
	portIdxMask uint32
	inUse       int
	portgen     uint32

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// Name returns the switch name. Empty for an unused slot.
func (s *Switch) Name() string { return s.name }

// Mode returns the switching mode name.
func (s *Switch) Mode() string { return s.mode }

// NumPorts returns the port array size.
func (s *Switch) NumPorts() int { return len(s.ports) }

// NumPortsInUse returns the number of connected ports.
func (s *Switch) NumPortsInUse() int { return s.inUse }

// Stats returns a counter snapshot.
func (s *Switch) Stats() SwitchStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SwitchStats{
		Name:       s.name,
		Mode:       s.mode,
		NumPorts:   len(s.ports),
		PortsInUse: s.inUse,
		Dispatched: s.dispatched.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// dispatch hands frames to the switching implementation. Shared lock
// held by the caller.
func (s *Switch) dispatch(from *Port, pkts *pkt.List) error {
	if pkts.Len() == 0 {
		return nil
	}
	s.dispatched.Add(uint64(pkts.Len()))
	err := s.impl.Dispatch(s, from, pkts)
	if err != nil {
		s.dropped.Add(uint64(pkts.Len()))
	}
	return err
}

// ForEachPort calls fn for every connected port until fn returns
// false. The caller must hold the switch lock.
func (s *Switch) ForEachPort(fn func(p *Port) bool) {
	for i := range s.ports {
		p := &s.ports[i]
		if p.IsInUse() && !fn(p) {
			return
		}
	}
}

// portByID resolves an ID to a port slot, validating the full 32-bit
// ID so stale generations miss. Caller holds the switch lock.
func (s *Switch) portByID(id core.PortID) *Port {
	p := &s.ports[uint32(id)&s.portIdxMask]
	if !p.IsInUse() || p.id != id {
		return nil
	}
	return p
}

// generatePortID mints the next port ID: high bits the fabric slot
// index, the rest a monotonically increasing generation whose low bits
// double as the port array index.
func (s *Switch) generatePortID() core.PortID {
	setBits := uint32(s.fabric.idxMask) << s.fabric.idxShift
	var id uint32
	for id == uint32(core.InvalidPortID) {
		s.portgen++
		id = s.portgen &^ setBits
		id |= (uint32(s.idx) & s.fabric.idxMask) << s.fabric.idxShift
	}
	return core.PortID(id)
}

// ceilPow2 rounds n up to the next power of two, minimum 1.
func ceilPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
