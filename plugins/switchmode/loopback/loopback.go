// Package loopback implements a switch mode that reflects every frame
// back out of the port it came in on. Useful for self-test topologies.
package loopback

import (
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

const Name = "loopback"

type Loopback struct{}

// New builds a loopback switch; it takes no options.
func New(opts map[string]any) (vswitch.SwitchImpl, error) {
	return &Loopback{}, nil
}

// Dispatch reflects the frames to the source port's own output chain.
func (l *Loopback) Dispatch(sw *vswitch.Switch, from *vswitch.Port, pkts *pkt.List) error {
	if !from.IsOutputActive() {
		return nil
	}
	out, err := pkts.Clone()
	if err != nil {
		return err
	}
	tok, err := from.Output(out)
	if tok != nil {
		from.IOComplete(tok.Pending())
	}
	from.IOComplete(out)
	return err
}

func (l *Loopback) PortConnect(sw *vswitch.Switch, p *vswitch.Port) error    { return nil }
func (l *Loopback) PortDisconnect(sw *vswitch.Switch, p *vswitch.Port) error { return nil }
func (l *Loopback) PortEnable(sw *vswitch.Switch, p *vswitch.Port) error     { return nil }
func (l *Loopback) PortDisable(sw *vswitch.Switch, p *vswitch.Port, force bool) error {
	return nil
}
func (l *Loopback) PortFRPUpdate(sw *vswitch.Switch, p *vswitch.Port, frp *vswitch.FRP) error {
	return nil
}
func (l *Loopback) Deactivate(sw *vswitch.Switch) {}
