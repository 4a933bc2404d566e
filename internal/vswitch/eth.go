package vswitch

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vnet/internal/pkt"
)

// MACAddr is an Ethernet address.
type MACAddr [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the broadcast address.
func (m MACAddr) IsBroadcast() bool { return m == BroadcastMAC }

// IsMulticast reports whether m has the group bit set (broadcast
// included).
func (m MACAddr) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsUnicast reports whether m is an individual address.
func (m MACAddr) IsUnicast() bool { return !m.IsMulticast() }

// FilterFlags select which destination classes an EthFilter passes.
type FilterFlags uint32

const (
	FilterUnicast FilterFlags = 1 << iota
	FilterMulticast
	FilterAllMulti
	FilterBroadcast
	FilterPromisc
	FilterUseLADRF
)

// LADRFLen is the lance-style logical address filter size in bytes.
const LADRFLen = 8

// EthFilter passes or blocks frames by Ethernet address, modeled on a
// NIC receive filter: an exact unicast address, an explicit multicast
// list, and a lance-style hash filter as the fallback.
type EthFilter struct {
	Flags          FilterFlags
	UnicastAddr    MACAddr
	MulticastAddrs []MACAddr
	LADRF          [LADRFLen]byte
}

// Pass reports whether a frame with the given address (destination for
// rx filtering, source for policy enforcement) passes the filter.
func (f *EthFilter) Pass(addr MACAddr) bool {
	switch {
	case addr.IsUnicast():
		if f.Flags&FilterPromisc != 0 ||
			(f.Flags&FilterUnicast != 0 && addr == f.UnicastAddr) {
			return true
		}
		return false
	case addr.IsBroadcast():
		return f.Flags&(FilterPromisc|FilterBroadcast) != 0
	default:
		if f.Flags&FilterPromisc != 0 {
			return true
		}
		if f.Flags&FilterMulticast != 0 {
			for _, m := range f.MulticastAddrs {
				if addr == m {
					return true
				}
			}
		} else if f.Flags&FilterAllMulti != 0 {
			return true
		}
		// fall back on the hash filter if any
		return f.hashPass(addr)
	}
}

// hashPass applies the lance-style LADRF: the high 6 bits of the
// Ethernet CRC of the address, bit-reversed, index a 64-bit table.
func (f *EthFilter) hashPass(addr MACAddr) bool {
	if f.Flags&FilterUseLADRF == 0 {
		return false
	}
	h := ladrfHash(addr)
	return f.LADRF[h>>3]&(1<<(h&0x07)) != 0
}

// ladrfHash computes the 6-bit LADRF bucket for an address.
func ladrfHash(addr MACAddr) uint8 {
	const poly = uint32(0x04c11db7)
	crc := uint32(0xffffffff)
	for _, b := range addr {
		bits := uint32(b)
		for i := 0; i < 8; i++ {
			var fb uint32
			if (crc>>31)^(bits&1) != 0 {
				fb = poly
			}
			crc = crc<<1 ^ fb
			bits >>= 1
		}
	}
	// hash is the 6 low CRC bits in reverse order
	hash := crc & 1
	for i := 0; i < 5; i++ {
		crc >>= 1
		hash = hash<<1 | crc&1
	}
	return uint8(hash)
}

// FRP is a port's frame routing policy. The output filter plays the
// role of a NIC rx filter; the input filter enforces transmit policy.
// Direction is named from the switch's point of view: "input" is frames
// entering the switch from the port.
type FRP struct {
	Input  EthFilter
	Output EthFilter
}

// ethHeader decodes the frame's Ethernet header. Frames shorter than a
// header or failing to decode return ok == false.
func ethHeader(h *pkt.Handle) (dst, src MACAddr, ok bool) {
	if h.FrameLen() < 14 {
		return dst, src, false
	}
	var hdr [14]byte
	if err := h.CopyBytesOut(hdr[:], 0); err != nil {
		return dst, src, false
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(hdr[:], gopacket.NilDecodeFeedback); err != nil {
		return dst, src, false
	}
	copy(dst[:], eth.DstMAC)
	copy(src[:], eth.SrcMAC)
	return dst, src, true
}

// NewDestFilterHook returns a filter-rank hook removing and completing
// frames whose destination the filter blocks. Undecodable frames are
// blocked too.
func NewDestFilterHook(f *EthFilter) Hook {
	return func(port *Port, pkts *pkt.List) error {
		filterFrames(port, pkts, f, func(dst, src MACAddr) MACAddr { return dst })
		return nil
	}
}

// NewSourceFilterHook returns a filter-rank hook removing and
// completing frames whose source address the filter blocks.
func NewSourceFilterHook(f *EthFilter) Hook {
	return func(port *Port, pkts *pkt.List) error {
		filterFrames(port, pkts, f, func(dst, src MACAddr) MACAddr { return src })
		return nil
	}
}

func filterFrames(port *Port, pkts *pkt.List, f *EthFilter, pick func(dst, src MACAddr) MACAddr) {
	for h := pkts.First(); h != nil; {
		next := pkts.Next(h)
		dst, src, ok := ethHeader(h)
		if !ok || !f.Pass(pick(dst, src)) {
			pkts.Remove(h)
			port.completePacket(h)
		}
		h = next
	}
}
