package vswitch

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/vnet/internal/pkt"
)

// bpfSnapLen bounds how much of each frame is linearized for the
// classifier. Matches the common tcpdump default.
const bpfSnapLen = 262144

// NewBPFFilterHook compiles a classic BPF program into a filter-rank
// hook. Frames the program rejects (verdict 0) are removed and
// completed; errors from the VM drop the frame too. The returned hook
// modifies the list, so insert it with ModifiesList. The hook reuses
// one scratch buffer and BPF VM, so each returned hook belongs to
// exactly one pipeline.
func NewBPFFilterHook(prog []bpf.Instruction) (Hook, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("bpf filter: %w", err)
	}
	buf := make([]byte, 0, 2048)
	return func(port *Port, pkts *pkt.List) error {
		for h := pkts.First(); h != nil; {
			next := pkts.Next(h)
			n := h.FrameLen()
			if n > bpfSnapLen {
				n = bpfSnapLen
			}
			if cap(buf) < n {
				buf = make([]byte, n)
			}
			frame := buf[:n]
			verdict := 0
			if err := h.CopyBytesOut(frame, 0); err == nil {
				if v, err := vm.Run(frame); err == nil {
					verdict = v
				}
			}
			if verdict == 0 {
				pkts.Remove(h)
				port.completePacket(h)
			}
			h = next
		}
		return nil
	}, nil
}
