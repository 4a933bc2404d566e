// Package nulldev implements a switch mode that sinks every frame.
// The fabric equivalent of /dev/null, handy for load tests and for
// parking ports.
package nulldev

import (
	"sync/atomic"

	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

const Name = "nulldev"

type NullDev struct {
	sunk atomic.Uint64
}

// New builds a nulldev switch; it takes no options.
func New(opts map[string]any) (vswitch.SwitchImpl, error) {
	return &NullDev{}, nil
}

// Sunk reports how many frames have been swallowed.
func (n *NullDev) Sunk() uint64 { return n.sunk.Load() }

// Dispatch leaves the whole list for the caller to complete; the
// frames go nowhere.
func (n *NullDev) Dispatch(sw *vswitch.Switch, from *vswitch.Port, pkts *pkt.List) error {
	n.sunk.Add(uint64(pkts.Len()))
	return nil
}

func (n *NullDev) PortConnect(sw *vswitch.Switch, p *vswitch.Port) error    { return nil }
func (n *NullDev) PortDisconnect(sw *vswitch.Switch, p *vswitch.Port) error { return nil }
func (n *NullDev) PortEnable(sw *vswitch.Switch, p *vswitch.Port) error     { return nil }
func (n *NullDev) PortDisable(sw *vswitch.Switch, p *vswitch.Port, force bool) error {
	return nil
}
func (n *NullDev) PortFRPUpdate(sw *vswitch.Switch, p *vswitch.Port, frp *vswitch.FRP) error {
	return nil
}
func (n *NullDev) Deactivate(sw *vswitch.Switch) {}
