// Package pkt implements reference-counted, zero-copy packet buffers.
//
// A Handle pairs a shared packet descriptor (refcount, completion state,
// source port) with a buffer descriptor (scatter-gather array over
// machine memory). The handle created by Allocator.Alloc is the master
// and owns the backing region. PartialCopy and Clone produce additional
// handles against the same descriptor; a clone that needs to modify
// frame headers gets a private buffer descriptor covering at least the
// bytes it may touch, while the rest of the frame stays shared.
package pkt

import (
	"fmt"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/stress"
)

// DefaultSGSize is the scatter-gather capacity every fresh buffer
// descriptor starts with. Enough for a full-size frame plus headroom
// spread over page boundaries.
const DefaultSGSize = 8

// Desc flags. Mutated only while the descriptor is writable.
const (
	// DescFlagNotifyComplete routes the master through the source
	// port's completion pipeline instead of freeing it on last release.
	DescFlagNotifyComplete uint32 = 1 << 0
)

// Handle flags.
const (
	// FlagPrivateBufDesc marks a handle whose buffer descriptor (and
	// leading frame bytes) are private to it rather than shared with
	// the master.
	FlagPrivateBufDesc uint32 = 1 << 0
)

// Desc is the per-packet descriptor shared by the master and every
// handle copied from it.
type Desc struct {
	refCount atomic.Int32
	flags    uint32
	srcPort  core.PortID
	ioData   any
	master   *Handle
}

// BufDesc describes the buffer bytes: a scatter-gather array over
// machine memory plus frame geometry. The master's BufDesc is shared by
// plain clones; a partial copy swaps in a private one.
type BufDesc struct {
	sg          []Frag
	bufLen      int
	frameLen    int
	headroomLen int
	region      region
}

// Handle is one reference to a packet.
type Handle struct {
	flags          uint32
	desc           *Desc
	buf            *BufDesc
	frameVA        []byte // direct view of the first frameMappedLen frame bytes
	frameMappedLen int
	headroomVA     []byte
	alloc          *Allocator

	// list linkage, owned by List
	prev, next *Handle
	list       *List
}

// IsMaster reports whether h owns the packet's backing buffer.
func (h *Handle) IsMaster() bool { return h.desc.master == h }

// IsDescWritable reports whether h may mutate the shared descriptor.
// Only the master holding the sole reference may.
func (h *Handle) IsDescWritable() bool {
	return h.IsMaster() && h.RefCount() <= 1
}

// IsBufDescWritable reports whether h may mutate its buffer descriptor.
func (h *Handle) IsBufDescWritable() bool {
	return h.IsDescWritable() || h.flags&FlagPrivateBufDesc != 0
}

// IsBufWritable reports whether h may write frame bytes it maps.
func (h *Handle) IsBufWritable() bool { return h.IsBufDescWritable() }

// RefCount returns the shared descriptor's reference count.
func (h *Handle) RefCount() int { return int(h.desc.refCount.Load()) }

// setRefCount stores the count directly. Legal only for the 0->1 and
// 1->0 transitions, which are always performed by the sole owner.
func (h *Handle) setRefCount(v int32) {
	cur := h.desc.refCount.Load()
	if !((cur == 0 && v == 1) || (cur == 1 && v == 0)) {
		panic(fmt.Sprintf("pkt: direct refcount store %d -> %d", cur, v))
	}
	h.desc.refCount.Store(v)
}

func (h *Handle) incRef() { h.desc.refCount.Add(1) }

// decRef returns the count before decrementing. The 1->0 transition is
// a direct store since the caller is the last owner.
func (h *Handle) decRef() int32 {
	if h.desc.refCount.Load() == 1 {
		h.desc.refCount.Store(0)
		return 1
	}
	return h.desc.refCount.Add(-1) + 1
}

// FrameLen returns the frame length in bytes.
func (h *Handle) FrameLen() int { return h.buf.frameLen }

// SetFrameLen sets the frame length. The buffer descriptor must be
// writable by h.
func (h *Handle) SetFrameLen(n int) error {
	if !h.IsBufDescWritable() {
		return fmt.Errorf("set frame len: %w", core.ErrNoPermission)
	}
	if n < 0 || n > sgTotalLen(h.buf.sg) {
		return fmt.Errorf("set frame len %d: %w", n, core.ErrBadParam)
	}
	h.buf.frameLen = n
	return nil
}

// FrameMappedLen returns how many leading frame bytes h can address
// directly without transient mappings.
func (h *Handle) FrameMappedLen() int { return h.frameMappedLen }

// HeadroomLen returns the reserved byte count preceding the frame.
func (h *Handle) HeadroomLen() int { return h.buf.headroomLen }

// BufLen returns the total buffer bytes described by the SG array.
func (h *Handle) BufLen() int { return h.buf.bufLen }

// Frags returns the scatter-gather array. Callers must not retain or
// mutate it.
func (h *Handle) Frags() []Frag { return h.buf.sg }

// IsPrivateBufDesc reports whether h carries a private buffer descriptor.
func (h *Handle) IsPrivateBufDesc() bool { return h.flags&FlagPrivateBufDesc != 0 }

// SrcPort returns the port the packet entered the fabric on.
func (h *Handle) SrcPort() core.PortID { return h.desc.srcPort }

// SetSrcPort records the ingress port on the shared descriptor.
func (h *Handle) SetSrcPort(id core.PortID) { h.desc.srcPort = id }

// SetNotifyComplete flags the packet for completion notification and
// attaches opaque completion data. Descriptor must be writable.
func (h *Handle) SetNotifyComplete(data any) error {
	if !h.IsDescWritable() {
		return fmt.Errorf("set notify complete: %w", core.ErrNoPermission)
	}
	h.desc.flags |= DescFlagNotifyComplete
	h.desc.ioData = data
	return nil
}

// ClearNotifyComplete removes the completion flag so the master can be
// freed by a subsequent release. Descriptor must be writable.
func (h *Handle) ClearNotifyComplete() error {
	if !h.IsDescWritable() {
		return fmt.Errorf("clear notify complete: %w", core.ErrNoPermission)
	}
	h.desc.flags &^= DescFlagNotifyComplete
	h.desc.ioData = nil
	return nil
}

// NeedsCompletion reports whether the packet is flagged for completion
// notification.
func (h *Handle) NeedsCompletion() bool {
	return h.desc.flags&DescFlagNotifyComplete != 0
}

// CompletionData returns the opaque data attached by SetNotifyComplete.
func (h *Handle) CompletionData() any { return h.desc.ioData }

// SGIndexFromOffset locates the fragment holding the byte just after
// offset into the frame.
func (h *Handle) SGIndexFromOffset(offset int) (idx, off int) {
	return sgIndexFromOffset(h.buf.sg, offset)
}

// AppendFrag adds the machine-address range to the SG array, splitting
// it at page boundaries. Fails with ErrLimitExceeded when the array
// cannot take all resulting fragments; the packet is unchanged then.
func (h *Handle) AppendFrag(ma core.MA, length int) error {
	if !h.IsBufDescWritable() {
		return fmt.Errorf("append frag: %w", core.ErrNoPermission)
	}
	if stress.Hit(stress.PktAppendFrag) {
		return fmt.Errorf("append frag: %w", core.ErrNoResources)
	}
	frags := SplitFrag(ma, length)
	if len(h.buf.sg)+len(frags) > cap(h.buf.sg) {
		return fmt.Errorf("append frag: %w", core.ErrLimitExceeded)
	}
	h.buf.sg = append(h.buf.sg, frags...)
	h.buf.bufLen += length
	return nil
}

// AppendBytes copies b to the end of the frame and grows the frame
// length.
func (h *Handle) AppendBytes(b []byte) error {
	if !h.IsBufWritable() {
		return fmt.Errorf("append bytes: %w", core.ErrNoPermission)
	}
	if err := h.CopyBytesIn(b, h.buf.frameLen); err != nil {
		return err
	}
	h.buf.frameLen += len(b)
	return nil
}

// CopyBytesOut copies len(dst) frame bytes starting at offset into dst.
// Bytes inside the mapped prefix are copied directly; the rest is read
// through transient per-fragment mappings.
func (h *Handle) CopyBytesOut(dst []byte, offset int) error {
	if offset < 0 {
		return fmt.Errorf("copy bytes out: %w", core.ErrBadParam)
	}
	if h.frameVA != nil && offset+len(dst) <= h.frameMappedLen {
		copy(dst, h.frameVA[offset:offset+len(dst)])
		return nil
	}
	return h.copySG(dst, offset, false)
}

// CopyBytesIn copies src into the frame at offset. The buffer must be
// writable by h.
func (h *Handle) CopyBytesIn(src []byte, offset int) error {
	if !h.IsBufWritable() {
		return fmt.Errorf("copy bytes in: %w", core.ErrNoPermission)
	}
	if offset < 0 {
		return fmt.Errorf("copy bytes in: %w", core.ErrBadParam)
	}
	if h.frameVA != nil && offset+len(src) <= h.frameMappedLen {
		copy(h.frameVA[offset:], src)
		return nil
	}
	return h.copySG(src, offset, true)
}

// copySG walks the SG array mapping one fragment at a time.
func (h *Handle) copySG(buf []byte, offset int, write bool) error {
	if stress.Hit(stress.PktCopyBytes) {
		return fmt.Errorf("copy bytes: %w", core.ErrNoResources)
	}
	sg := h.buf.sg
	idx, off := sgIndexFromOffset(sg, offset)
	remaining := buf
	for len(remaining) > 0 && idx < len(sg) {
		f := sg[idx]
		if stress.Hit(stress.MemsegMap) {
			return fmt.Errorf("map frag %d: %w", idx, core.ErrBadAddrRange)
		}
		view, release, err := h.alloc.mapper.Map(f.Addr+core.MA(off), f.Len-off)
		if err != nil {
			return fmt.Errorf("map frag %d: %w", idx, err)
		}
		var n int
		if write {
			n = copy(view, remaining)
		} else {
			n = copy(remaining, view)
		}
		release()
		remaining = remaining[n:]
		off = 0
		idx++
	}
	if len(remaining) > 0 {
		return fmt.Errorf("copy bytes: %d short: %w", len(remaining), core.ErrLimitExceeded)
	}
	return nil
}
