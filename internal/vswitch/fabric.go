package vswitch

import (
	"fmt"
	"math/bits"
	"sync"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/log"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/stress"
)

// Fabric owns the switch slots and the port ID space. The slot count is
// fixed at construction (a power of two) so the slot index bits of a
// port ID never move. The fabric mutex serializes registry-destructive
// operations; per-switch RW locks carry everything else.
type Fabric struct {
	mu    sync.Mutex
	slots []Switch

	idxShift uint32
	idxMask  uint32

	completeCh chan *pkt.Handle
	done       chan struct{}
	drained    sync.WaitGroup
}

// New returns a fabric with capacity for numSwitches switches, rounded
// up to a power of two.
func New(numSwitches int) (*Fabric, error) {
	if numSwitches <= 0 {
		return nil, fmt.Errorf("fabric size %d: %w", numSwitches, core.ErrBadParam)
	}
	n := ceilPow2(numSwitches)
	f := &Fabric{
		slots:      make([]Switch, n),
		idxShift:   32 - uint32(bits.TrailingZeros(uint(n))),
		idxMask:    uint32(n - 1),
		completeCh: make(chan *pkt.Handle, 512),
		done:       make(chan struct{}),
	}
	for i := range f.slots {
		f.slots[i].fabric = f
		f.slots[i].idx = i
	}
	f.drained.Add(1)
	go f.completionLoop()
	return f, nil
}

// Close stops the completion loop, dropping whatever is still queued.
func (f *Fabric) Close() {
	close(f.done)
	f.drained.Wait()
}

// NumSlots returns the switch slot count.
func (f *Fabric) NumSlots() int { return len(f.slots) }

// completionLoop delivers queued completion masters to their source
// port's notify pipeline. Runs outside all fabric locks, so it may take
// any switch lock safely.
func (f *Fabric) completionLoop() {
	defer f.drained.Done()
	for {
		select {
		case m := <-f.completeCh:
			f.CompletePacket(m)
		case <-f.done:
			for {
				select {
				case m := <-f.completeCh:
					dropCompletion(m)
				default:
					return
				}
			}
		}
	}
}

// queueCompletion hands a surfaced completion master to the loop. Safe
// to call with switch locks held. On overflow or shutdown the packet is
// dropped rather than blocking the data path.
func (f *Fabric) queueCompletion(m *pkt.Handle) {
	select {
	case f.completeCh <- m:
	default:
		dropCompletion(m)
	}
}

func dropCompletion(m *pkt.Handle) {
	if m.ClearNotifyComplete() == nil {
		m.Release()
	}
}

// CompletePacket delivers a completion-flagged master to its source
// port's notify pipeline. The source port may be gone; then the packet
// is dropped. Must be called without fabric or switch locks held.
func (f *Fabric) CompletePacket(m *pkt.Handle) {
	err := f.WithPort(m.SrcPort(), func(p *Port) error {
		p.notifyCompletion(m)
		return nil
	})
	if err != nil {
		dropCompletion(m)
	}
}

// CompleteList releases every packet on the list, delivering surfaced
// masters to their source ports. Must be called without locks held.
func (f *Fabric) CompleteList(l *pkt.List) {
	for h := l.First(); h != nil; {
		next := l.Next(h)
		l.Remove(h)
		if m := h.ReleaseOrComplete(); m != nil {
			f.CompletePacket(m)
		}
		h = next
	}
}

// switchForID maps a port ID to its slot via the high bits.
func (f *Fabric) switchForID(id core.PortID) *Switch {
	return &f.slots[(uint32(id)>>f.idxShift)&f.idxMask]
}

// Activate brings up a switch in the first free slot. The port array
// is sized to ceilPow2(numPorts); a recycled slot keeps its bigger
// array and, deliberately, its port ID generation counter.
func (f *Fabric) Activate(name, mode string, numPorts int, opts map[string]any) (*Switch, error) {
	if name == "" || numPorts <= 0 {
		return nil, fmt.Errorf("activate: %w", core.ErrBadParam)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var free *Switch
	for i := range f.slots {
		s := &f.slots[i]
		if s.active && s.name == name {
			return nil, fmt.Errorf("activate %q: %w", name, core.ErrExists)
		}
		if !s.active && free == nil {
			free = s
		}
	}
	if free == nil {
		return nil, fmt.Errorf("activate %q: no free slots: %w", name, core.ErrNoResources)
	}

	impl, err := newModeImpl(mode, opts)
	if err != nil {
		return nil, fmt.Errorf("activate %q: %w", name, err)
	}

	free.mu.Lock()
	defer free.mu.Unlock()

	if n := ceilPow2(numPorts); n > len(free.ports) {
		free.ports = make([]Port, n)
		for i := range free.ports {
			free.ports[i].sw = free
			free.ports[i].idx = i
			free.ports[i].id = core.InvalidPortID
		}
		free.portIdxMask = uint32(n - 1)
	}
	free.name = name
	free.mode = mode
	free.impl = impl
	free.active = true
	free.inUse = 0

	log.GetLogger().WithFields(map[string]any{
		"switch": name, "mode": mode, "ports": len(free.ports),
	}).Info("switch activated")
	return free, nil
}

// Deactivate tears a switch down. It refuses while any port is still
// connected; clients must disconnect first. The slot, its port array
// and its generation counter stay behind for reuse.
func (f *Fabric) Deactivate(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.lookupLocked(name)
	if s == nil {
		return fmt.Errorf("deactivate %q: %w", name, core.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse > 0 {
		return fmt.Errorf("deactivate %q: %d ports still connected: %w",
			name, s.inUse, core.ErrBusy)
	}
	s.impl.Deactivate(s)
	s.active = false
	s.name = ""
	s.mode = ""
	s.impl = nil

	log.GetLogger().WithField("switch", name).Info("switch deactivated")
	return nil
}

func (f *Fabric) lookupLocked(name string) *Switch {
	for i := range f.slots {
		if f.slots[i].active && f.slots[i].name == name {
			return &f.slots[i]
		}
	}
	return nil
}

// SwitchByName returns the active switch with the given name.
func (f *Fabric) SwitchByName(name string) (*Switch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.lookupLocked(name); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("switch %q: %w", name, core.ErrNotFound)
}

// connectConfig carries optional connect-time attributes.
type connectConfig struct {
	owner  any
	uplink bool
}

// PortOption configures a connect.
type PortOption func(*connectConfig)

// WithOwner binds an opaque owner tag to the port, typically the
// compute context the endpoint belongs to.
func WithOwner(owner any) PortOption {
	return func(c *connectConfig) { c.owner = owner }
}

// AsUplink marks the port as the switch's uplink attachment. Modes
// implementing UplinkImpl are told about it.
func AsUplink() PortOption {
	return func(c *connectConfig) { c.uplink = true }
}

// ConnectPort claims a port on the named switch and returns its ID.
// Every connect mints a fresh generation, so an ID is never valid
// across a disconnect.
func (f *Fabric) ConnectPort(switchName string, client Client, clientData any, opts ...PortOption) (core.PortID, error) {
	var cfg connectConfig
	for _, o := range opts {
		o(&cfg)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.lookupLocked(switchName)
	if s == nil {
		return core.InvalidPortID, fmt.Errorf("connect: switch %q: %w", switchName, core.ErrNotFound)
	}
	if stress.Hit(stress.SwitchConnectPort) {
		return core.InvalidPortID, fmt.Errorf("connect: %w", core.ErrNoResources)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for range s.ports {
		id := s.generatePortID()
		p := &s.ports[uint32(id)&s.portIdxMask]
		if p.IsInUse() {
			continue
		}
		if err := p.connect(id, client, clientData, cfg); err != nil {
			return core.InvalidPortID, err
		}
		if err := s.impl.PortConnect(s, p); err != nil {
			p.disconnect()
			return core.InvalidPortID, fmt.Errorf("connect: %w", err)
		}
		if cfg.uplink {
			if ul, ok := s.impl.(UplinkImpl); ok {
				if err := ul.PortUplinkConnect(s, p); err != nil {
					_ = s.impl.PortDisconnect(s, p)
					p.disconnect()
					return core.InvalidPortID, fmt.Errorf("uplink connect: %w", err)
				}
			}
		}
		s.inUse++
		log.GetLogger().WithFields(map[string]any{
			"switch": s.name, "port": fmt.Sprintf("0x%x", uint32(id)),
		}).Info("port connected")
		return id, nil
	}
	return core.InvalidPortID, fmt.Errorf("connect: %q full: %w", switchName, core.ErrNoResources)
}

// DisconnectPort releases the port, force-disabling it first if
// needed.
func (f *Fabric) DisconnectPort(id core.PortID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.switchForID(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portByID(id)
	if p == nil {
		return fmt.Errorf("disconnect 0x%x: %w", uint32(id), core.ErrNotFound)
	}
	if p.IsEnabled() || p.flags&PortDisablePending != 0 {
		_ = p.disable(true)
	}
	if p.IsUplink() {
		if ul, ok := s.impl.(UplinkImpl); ok {
			ul.PortUplinkDisconnect(s, p)
		}
	}
	_ = s.impl.PortDisconnect(s, p)
	p.disconnect()
	s.inUse--
	return nil
}

// EnablePort enables the port. A half-completed enable is rolled back
// with a forced disable so the port never sticks in between.
func (f *Fabric) EnablePort(id core.PortID) error {
	return f.WithPortExcl(id, func(p *Port) error {
		if err := p.enable(); err != nil {
			_ = p.disable(true)
			return err
		}
		return nil
	})
}

// DisablePort disables the port. Without force the client may refuse
// and the call can be retried; the port keeps draining input until the
// disable completes.
func (f *Fabric) DisablePort(id core.PortID, force bool) error {
	return f.WithPortExcl(id, func(p *Port) error {
		return p.disable(force)
	})
}

// UpdatePortFRP installs a new frame routing policy on the port.
func (f *Fabric) UpdatePortFRP(id core.PortID, frp *FRP) error {
	return f.WithPortExcl(id, func(p *Port) error {
		return p.UpdateFRP(frp)
	})
}

// WithPort runs fn with the port resolved under the switch's shared
// lock. The full 32-bit ID must match; stale generations fail with
// ErrNotFound. This is the data-path entry: fn may call Input, Output,
// InputResume and IOComplete.
func (f *Fabric) WithPort(id core.PortID, fn func(p *Port) error) error {
	s := f.switchForID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.portByID(id)
	if p == nil {
		return fmt.Errorf("port 0x%x: %w", uint32(id), core.ErrNotFound)
	}
	return fn(p)
}

// WithPortExcl runs fn with the port resolved under the switch's
// exclusive lock, for control-path mutations.
func (f *Fabric) WithPortExcl(id core.PortID, fn func(p *Port) error) error {
	s := f.switchForID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.portByID(id)
	if p == nil {
		return fmt.Errorf("port 0x%x: %w", uint32(id), core.ErrNotFound)
	}
	return fn(p)
}

// notifyCompletion feeds one surfaced master through the port's notify
// pipeline. Shared lock held by the caller.
func (p *Port) notifyCompletion(m *pkt.Handle) {
	l := pkt.NewList()
	l.AddToTail(m)
	tok, _ := p.notify.Start(p, l)
	if tok != nil {
		// completion delivery cannot be parked
		l.Join(tok.Pending())
	}
	for h := l.First(); h != nil; {
		next := l.Next(h)
		l.Remove(h)
		if h.ClearNotifyComplete() == nil {
			h.Release()
		}
		h = next
	}
}

// PortInfo describes one connected port for the control surface.
type PortInfo struct {
	ID             string        `json:"id"`
	Switch         string        `json:"switch"`
	Enabled        bool          `json:"enabled"`
	DisablePending bool          `json:"disable_pending"`
	Uplink         bool          `json:"uplink,omitempty"`
	Owner          string        `json:"owner,omitempty"`
	Stats          ClientStats   `json:"stats"`
	Input          PipelineStats `json:"input"`
	Output         PipelineStats `json:"output"`
	Notify         PipelineStats `json:"notify"`
}

// FabricStats aggregates per-switch snapshots for the control surface.
type FabricStats struct {
	Switches []SwitchStats `json:"switches"`
}

// Stats snapshots every active switch.
func (f *Fabric) Stats() FabricStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out FabricStats
	for i := range f.slots {
		if f.slots[i].active {
			out.Switches = append(out.Switches, f.slots[i].Stats())
		}
	}
	return out
}

// Ports lists the connected ports of the named switch.
func (f *Fabric) Ports(switchName string) ([]PortInfo, error) {
	s, err := f.SwitchByName(switchName)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PortInfo
	s.ForEachPort(func(p *Port) bool {
		var owner string
		if p.owner != nil {
			owner = fmt.Sprint(p.owner)
		}
		out = append(out, PortInfo{
			ID:             fmt.Sprintf("0x%x", uint32(p.id)),
			Switch:         s.name,
			Enabled:        p.IsEnabled(),
			DisablePending: p.flags&PortDisablePending != 0,
			Uplink:         p.IsUplink(),
			Owner:          owner,
			Stats:          p.Stats(),
			Input:          p.input.Stats(),
			Output:         p.output.Stats(),
			Notify:         p.notify.Stats(),
		})
		return true
	})
	return out, nil
}
