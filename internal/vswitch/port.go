package vswitch

import (
	"fmt"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/log"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/stress"
)

// PortFlags track a port's lifecycle state.
type PortFlags uint32

const (
	PortInUse PortFlags = 1 << iota
	PortEnabled
	PortDisablePending
	PortUplink
)

// Client is the endpoint attached to a port: a vNIC backend, an uplink
// device, a test harness. Callbacks run under the switch's exclusive
// lock.
type Client interface {
	// PortEnable makes the client ready for traffic. An error leaves
	// the port disabled.
	PortEnable(p *Port) error
	// PortDisable quiesces the client. With force set the client must
	// not fail; without it the client may return ErrBusy to be retried.
	PortDisable(p *Port, force bool) error
	// PortDisconnect severs the attachment. Always succeeds.
	PortDisconnect(p *Port)
}

// ClientStats is a snapshot of per-port traffic counters. Direction is
// the client's: tx is client-to-switch, rx is switch-to-client.
type ClientStats struct {
	PktsTxOK   uint64 `json:"pkts_tx_ok"`
	BytesTxOK  uint64 `json:"bytes_tx_ok"`
	PktsRxOK   uint64 `json:"pkts_rx_ok"`
	BytesRxOK  uint64 `json:"bytes_rx_ok"`
	DroppedTx  uint64 `json:"dropped_tx"`
	DroppedRx  uint64 `json:"dropped_rx"`
	Interrupts uint64 `json:"interrupts"`
}

type clientCounters struct {
	pktsTxOK   atomic.Uint64
	bytesTxOK  atomic.Uint64
	pktsRxOK   atomic.Uint64
	bytesRxOK  atomic.Uint64
	droppedTx  atomic.Uint64
	droppedRx  atomic.Uint64
	interrupts atomic.Uint64
}

func (c *clientCounters) snapshot() ClientStats {
	return ClientStats{
		PktsTxOK:   c.pktsTxOK.Load(),
		BytesTxOK:  c.bytesTxOK.Load(),
		PktsRxOK:   c.pktsRxOK.Load(),
		BytesRxOK:  c.bytesRxOK.Load(),
		DroppedTx:  c.droppedTx.Load(),
		DroppedRx:  c.droppedRx.Load(),
		Interrupts: c.interrupts.Load(),
	}
}

// Port is one endpoint slot on a switch. Ports live in the switch's
// array for its whole lifetime; connect and disconnect recycle the slot
// under a fresh generation-tagged ID.
//
// Lock discipline: Input, Output, InputResume and IOComplete run under
// the switch's shared lock; everything that changes port state runs
// under the exclusive lock. The fabric's WithPort helpers provide both.
type Port struct {
	sw    *Switch
	idx   int
	id    core.PortID
	flags PortFlags

	client     Client
	clientData any
	owner      any

	frp FRP

	input  *Pipeline
	output *Pipeline
	notify *Pipeline

	stats clientCounters
}

// ID returns the port's fabric-wide ID.
func (p *Port) ID() core.PortID { return p.id }

// Switch returns the owning switch.
func (p *Port) Switch() *Switch { return p.sw }

// IsInUse reports whether the slot is connected.
func (p *Port) IsInUse() bool { return p.flags&PortInUse != 0 }

// IsEnabled reports whether the port is fully enabled.
func (p *Port) IsEnabled() bool { return p.flags&PortEnabled != 0 }

// IsInputActive reports whether the port still accepts input. Ports
// with a disable pending keep draining input so in-flight work can
// finish.
func (p *Port) IsInputActive() bool {
	return p.flags&(PortEnabled|PortDisablePending) != 0
}

// IsOutputActive reports whether frames may be output to the port.
func (p *Port) IsOutputActive() bool { return p.flags&PortEnabled != 0 }

// Stats returns a snapshot of the traffic counters.
func (p *Port) Stats() ClientStats { return p.stats.snapshot() }

// ClientData returns the opaque data registered at connect.
func (p *Port) ClientData() any { return p.clientData }

// Owner returns the opaque owner tag bound at connect, typically the
// compute context the endpoint belongs to. Nil when none was given.
func (p *Port) Owner() any { return p.owner }

// IsUplink reports whether the port was connected as an uplink.
func (p *Port) IsUplink() bool { return p.flags&PortUplink != 0 }

// InputPipeline returns the chain run on frames from the client.
func (p *Port) InputPipeline() *Pipeline { return p.input }

// OutputPipeline returns the chain run on frames to the client.
func (p *Port) OutputPipeline() *Pipeline { return p.output }

// NotifyPipeline returns the chain run on completion-flagged masters.
func (p *Port) NotifyPipeline() *Pipeline { return p.notify }

// FRP returns the current frame routing policy.
func (p *Port) FRP() FRP { return p.frp }

// connect claims the slot under the given ID. Exclusive lock held.
func (p *Port) connect(id core.PortID, client Client, clientData any, cfg connectConfig) error {
	if stress.Hit(stress.PortConnect) {
		return fmt.Errorf("port connect: %w", core.ErrNoResources)
	}
	if p.flags&PortInUse != 0 {
		return fmt.Errorf("port connect 0x%x: %w", uint32(p.id), core.ErrBusy)
	}
	p.flags |= PortInUse
	if cfg.uplink {
		p.flags |= PortUplink
	}
	p.id = id
	p.client = client
	p.clientData = clientData
	p.owner = cfg.owner

	complete := p.sw.fabric.queueCompletion
	p.input = NewPipeline(fmt.Sprintf("port0x%x-input", uint32(id)), complete)
	p.output = NewPipeline(fmt.Sprintf("port0x%x-output", uint32(id)), complete)
	p.notify = NewPipeline(fmt.Sprintf("port0x%x-notify", uint32(id)), complete)
	return nil
}

// disconnect releases the slot. Exclusive lock held.
func (p *Port) disconnect() {
	if p.client != nil {
		p.client.PortDisconnect(p)
	}
	log.GetLogger().WithField("port", fmt.Sprintf("0x%x", uint32(p.id))).
		Debug("port disconnected")
	p.reset()
}

func (p *Port) reset() {
	// fire remove notifications for whatever hooks are still installed
	for _, pl := range []*Pipeline{p.input, p.output, p.notify} {
		if pl != nil {
			pl.Clear()
		}
	}
	p.flags = 0
	p.id = core.InvalidPortID
	p.client = nil
	p.clientData = nil
	p.owner = nil
	p.frp = FRP{}
	p.input, p.output, p.notify = nil, nil, nil
	p.stats = clientCounters{}
}

// enable brings the port up. Exclusive lock held.
func (p *Port) enable() error {
	if stress.Hit(stress.PortEnable) {
		return fmt.Errorf("port enable 0x%x: %w", uint32(p.id), core.ErrNoResources)
	}
	if p.client != nil {
		if err := p.client.PortEnable(p); err != nil {
			return fmt.Errorf("client enable 0x%x: %w", uint32(p.id), err)
		}
	}
	if err := p.sw.impl.PortEnable(p.sw, p); err != nil {
		return fmt.Errorf("switch enable 0x%x: %w", uint32(p.id), err)
	}
	p.flags |= PortEnabled
	return nil
}

// disable quiesces the port. Retryable: a client that cannot stop yet
// returns an error and leaves the port disable-pending, still draining
// input. With force set the teardown always completes. Exclusive lock
// held.
func (p *Port) disable(force bool) error {
	p.flags |= PortDisablePending
	p.flags &^= PortEnabled

	var err error
	if p.client != nil {
		err = p.client.PortDisable(p, force)
	}
	if err == nil || force {
		if ierr := p.sw.impl.PortDisable(p.sw, p, force); err == nil {
			err = ierr
		}
	}
	if err == nil || force {
		// invalidates outstanding resumptions as a side effect
		p.notify.Clear()
		p.output.Clear()
		p.input.Clear()
		p.flags &^= PortDisablePending
		if force {
			err = nil
		}
	}
	return err
}

// Input runs frames from the client through the input pipeline and
// hands survivors to the switch for dispatch. The list is always
// drained: leftovers are completed here. A non-nil Resumption means a
// queue-rank hook suspended the walk; the caller resumes it later with
// InputResume. Shared lock held.
func (p *Port) Input(pkts *pkt.List) (*Resumption, error) {
	pkts.SetMayModify(true)
	nIn := pkts.Len()
	var bytesIn uint64
	for h := pkts.First(); h != nil; h = pkts.Next(h) {
		h.SetSrcPort(p.id)
		bytesIn += uint64(h.FrameLen())
	}

	var tok *Resumption
	var err error
	switch {
	case !p.IsInputActive():
		err = fmt.Errorf("input on inactive port 0x%x: %w", uint32(p.id), core.ErrBusy)
	case stress.Hit(stress.PortInputResume):
		err = fmt.Errorf("input 0x%x: %w", uint32(p.id), core.ErrNoResources)
	default:
		tok, err = p.input.Start(p, pkts)
		if err == nil && tok == nil {
			err = p.sw.dispatch(p, pkts)
		}
	}

	if err == nil {
		p.stats.pktsTxOK.Add(uint64(nIn))
		p.stats.bytesTxOK.Add(bytesIn)
	} else {
		p.stats.droppedTx.Add(uint64(pkts.Len()))
	}
	p.IOComplete(pkts)
	return tok, err
}

// InputResume continues a suspended input walk, dispatching whatever
// survives the rest of the chain. Shared lock held.
func (p *Port) InputResume(tok *Resumption) (*Resumption, error) {
	rem, next, err := p.input.Resume(p, tok)
	if next != nil {
		return next, nil
	}
	if err != nil || rem == nil {
		return nil, err
	}
	rem.SetMayModify(true)
	err = p.sw.dispatch(p, rem)
	if err != nil {
		p.stats.droppedTx.Add(uint64(rem.Len()))
	}
	p.IOComplete(rem)
	return nil, err
}

// Output runs frames destined for the client through the output
// pipeline. The terminal rank is expected to deliver; anything left on
// the list afterwards is the caller's to complete. Shared lock held.
func (p *Port) Output(pkts *pkt.List) (*Resumption, error) {
	if !p.IsOutputActive() {
		p.stats.droppedRx.Add(uint64(pkts.Len()))
		return nil, fmt.Errorf("output on inactive port 0x%x: %w", uint32(p.id), core.ErrBusy)
	}
	nIn := pkts.Len()
	var bytesIn uint64
	for h := pkts.First(); h != nil; h = pkts.Next(h) {
		bytesIn += uint64(h.FrameLen())
	}
	tok, err := p.output.Start(p, pkts)
	if err != nil {
		p.stats.droppedRx.Add(uint64(pkts.Len()))
		return tok, err
	}
	p.stats.pktsRxOK.Add(uint64(nIn))
	p.stats.bytesRxOK.Add(bytesIn)
	return tok, nil
}

// IOComplete releases every packet on the list. Masters flagged for
// completion notification are fed through this port's notify pipeline;
// whatever the chain does not consume is dropped here so nothing leaks.
// Shared lock held.
func (p *Port) IOComplete(pkts *pkt.List) {
	if pkts.Len() == 0 {
		return
	}
	completions := pkt.NewList()
	for h := pkts.First(); h != nil; {
		next := pkts.Next(h)
		pkts.Remove(h)
		if m := h.ReleaseOrComplete(); m != nil {
			completions.AddToTail(m)
		}
		h = next
	}
	if completions.Len() == 0 {
		return
	}
	p.stats.interrupts.Add(1)
	tok, err := p.notify.Start(p, completions)
	if err != nil {
		log.GetLogger().WithError(err).
			WithField("port", fmt.Sprintf("0x%x", uint32(p.id))).
			Debug("notify chain failed")
	}
	if tok != nil {
		// completion delivery cannot be parked; reclaim the suspended
		// masters and dispose of them below
		completions.Join(tok.Pending())
	}
	for h := completions.First(); h != nil; {
		next := completions.Next(h)
		completions.Remove(h)
		if h.ClearNotifyComplete() == nil {
			h.Release()
		}
		h = next
	}
}

// completePacket releases one packet, handing a surfaced master to the
// fabric's completion queue.
func (p *Port) completePacket(h *pkt.Handle) {
	if m := h.ReleaseOrComplete(); m != nil {
		p.sw.fabric.queueCompletion(m)
	}
}

// UpdateFRP installs a new frame routing policy, giving the switch
// implementation the chance to rebuild its filter hooks first.
// Exclusive lock held.
func (p *Port) UpdateFRP(frp *FRP) error {
	if p.flags&PortInUse == 0 {
		return fmt.Errorf("frp update: %w", core.ErrNotFound)
	}
	// No transmit policy is enforced yet, so the input side stays open.
	frp.Input.Flags |= FilterPromisc

	if err := p.sw.impl.PortFRPUpdate(p.sw, p, frp); err != nil {
		return fmt.Errorf("frp update 0x%x: %w", uint32(p.id), err)
	}
	p.frp = *frp
	return nil
}
