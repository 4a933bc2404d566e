// Package hub implements the flooding switch mode: every frame is
// repeated to every other output-active port, subject to each
// destination's frame routing policy.
package hub

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

const Name = "hub"

// Options are decoded from the switch's topology options map.
type Options struct {
	// CopyOnFlood repeats frames as full private copies instead of
	// zero-copy clones. Slower, but destinations may then scribble on
	// whole frames.
	CopyOnFlood bool `mapstructure:"copy-on-flood"`
}

type portLinks struct {
	out *vswitch.Link
	in  *vswitch.Link
}

// Hub floods frames and keeps per-port filter hooks derived from each
// port's frame routing policy. The links map is only touched under the
// switch's exclusive lock (connect, disconnect, FRP updates).
type Hub struct {
	opts  Options
	links map[core.PortID]portLinks
}

// New builds a hub from decoded options.
func New(opts map[string]any) (vswitch.SwitchImpl, error) {
	var o Options
	if err := mapstructure.Decode(opts, &o); err != nil {
		return nil, fmt.Errorf("hub options: %w", err)
	}
	return &Hub{opts: o, links: make(map[core.PortID]portLinks)}, nil
}

// Dispatch repeats the list to every other output-active port. Each
// destination gets its own clone so its output chain may consume
// freely; leftovers are completed per destination.
func (h *Hub) Dispatch(sw *vswitch.Switch, from *vswitch.Port, pkts *pkt.List) error {
	var firstErr error
	sw.ForEachPort(func(dst *vswitch.Port) bool {
		if dst == from || !dst.IsOutputActive() {
			return true
		}
		var out *pkt.List
		var err error
		if h.opts.CopyOnFlood {
			out, err = pkts.Copy()
		} else {
			out, err = pkts.Clone()
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		tok, err := dst.Output(out)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if tok != nil {
			// the flood path cannot park frames for a later resume
			dst.IOComplete(tok.Pending())
		}
		dst.IOComplete(out)
		return true
	})
	return firstErr
}

func (h *Hub) PortConnect(sw *vswitch.Switch, p *vswitch.Port) error { return nil }

// Link pruning rides the remove notifications installed in
// PortFRPUpdate, so teardown needs nothing extra here.
func (h *Hub) PortDisconnect(sw *vswitch.Switch, p *vswitch.Port) error { return nil }

func (h *Hub) PortEnable(sw *vswitch.Switch, p *vswitch.Port) error { return nil }

func (h *Hub) PortDisable(sw *vswitch.Switch, p *vswitch.Port, force bool) error { return nil }

// PortFRPUpdate rebuilds the port's filter hooks: a destination filter
// on the output chain and a source filter on the input chain, each at
// filter rank. A promiscuous filter means no hook at all.
func (h *Hub) PortFRPUpdate(sw *vswitch.Switch, p *vswitch.Port, frp *vswitch.FRP) error {
	if old, ok := h.links[p.ID()]; ok {
		if old.out != nil {
			p.OutputPipeline().Remove(old.out)
		}
		if old.in != nil {
			p.InputPipeline().Remove(old.in)
		}
		delete(h.links, p.ID())
	}

	// Either link leaving its pipeline, by Remove or by a teardown
	// Clear, invalidates the whole pair.
	pid := p.ID()
	prune := func(*vswitch.Link) { delete(h.links, pid) }

	var installed portLinks
	if frp.Output.Flags&vswitch.FilterPromisc == 0 {
		filt := frp.Output
		l, err := p.OutputPipeline().Insert(vswitch.RankFilter,
			vswitch.NewDestFilterHook(&filt),
			vswitch.WithName("hub-dest-filter"), vswitch.ModifiesList(),
			vswitch.WithRemoveNotify(prune))
		if err != nil {
			return err
		}
		installed.out = l
	}
	if frp.Input.Flags&vswitch.FilterPromisc == 0 {
		filt := frp.Input
		l, err := p.InputPipeline().Insert(vswitch.RankFilter,
			vswitch.NewSourceFilterHook(&filt),
			vswitch.WithName("hub-source-filter"), vswitch.ModifiesList(),
			vswitch.WithRemoveNotify(prune))
		if err != nil {
			if installed.out != nil {
				p.OutputPipeline().Remove(installed.out)
			}
			return err
		}
		installed.in = l
	}
	if installed.out != nil || installed.in != nil {
		h.links[p.ID()] = installed
	}
	return nil
}

func (h *Hub) Deactivate(sw *vswitch.Switch) {
	h.links = make(map[core.PortID]portLinks)
}
