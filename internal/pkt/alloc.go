package pkt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/stress"
)

// region is a page-aligned slice of arena memory backing a master buffer
// or a private frame header.
type region struct {
	ma   core.MA
	view []byte
	size int // rounded allocation size, freelist key
}

// Allocator builds packet handles over an arena. Freed regions are kept
// on per-size freelists for reuse; handle and descriptor structs are
// left to the garbage collector.
type Allocator struct {
	arena  *memseg.Arena
	mapper memseg.Mapper

	mu   sync.Mutex
	free map[int][]region

	allocs      atomic.Uint64
	frees       atomic.Uint64
	clones      atomic.Uint64
	copies      atomic.Uint64
	allocFails  atomic.Uint64
	completions atomic.Uint64
}

// AllocatorStats is a point-in-time counter snapshot.
type AllocatorStats struct {
	Allocs      uint64 `json:"allocs"`
	Frees       uint64 `json:"frees"`
	Clones      uint64 `json:"clones"`
	Copies      uint64 `json:"copies"`
	AllocFails  uint64 `json:"alloc_fails"`
	Completions uint64 `json:"completions"`
}

// NewAllocator returns an allocator drawing from arena.
func NewAllocator(arena *memseg.Arena) *Allocator {
	return &Allocator{
		arena:  arena,
		mapper: arena,
		free:   make(map[int][]region),
	}
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		Allocs:      a.allocs.Load(),
		Frees:       a.frees.Load(),
		Clones:      a.clones.Load(),
		Copies:      a.copies.Load(),
		AllocFails:  a.allocFails.Load(),
		Completions: a.completions.Load(),
	}
}

func (a *Allocator) allocRegion(size int) (region, error) {
	rounded := (size + core.PageMask) &^ core.PageMask
	a.mu.Lock()
	if list := a.free[rounded]; len(list) > 0 {
		r := list[len(list)-1]
		a.free[rounded] = list[:len(list)-1]
		a.mu.Unlock()
		r.view = r.view[:size]
		return r, nil
	}
	a.mu.Unlock()

	ma, view, err := a.arena.Alloc(rounded)
	if err != nil {
		return region{}, err
	}
	return region{ma: ma, view: view[:size], size: rounded}, nil
}

func (a *Allocator) freeRegion(r region) {
	if r.size == 0 {
		return
	}
	r.view = r.view[:r.size]
	a.mu.Lock()
	a.free[r.size] = append(a.free[r.size], r)
	a.mu.Unlock()
}

// Alloc returns a fresh master handle with room for headroom plus
// frameLen buffer bytes. The frame length starts at zero; callers grow
// it with AppendBytes or SetFrameLen.
func (a *Allocator) Alloc(frameLen, headroom int) (*Handle, error) {
	if frameLen < 0 || headroom < 0 {
		return nil, fmt.Errorf("alloc: %w", core.ErrBadParam)
	}
	if stress.Hit(stress.PktAlloc) {
		a.allocFails.Add(1)
		return nil, fmt.Errorf("alloc: %w", core.ErrNoResources)
	}

	var reg region
	if frameLen+headroom > 0 {
		var err error
		reg, err = a.allocRegion(headroom + frameLen)
		if err != nil {
			a.allocFails.Add(1)
			return nil, err
		}
	}

	desc := &Desc{}
	h := &Handle{
		desc: desc,
		buf: &BufDesc{
			sg:          make([]Frag, 0, DefaultSGSize),
			headroomLen: headroom,
			region:      reg,
		},
		alloc:          a,
		frameMappedLen: frameLen,
	}
	desc.master = h
	h.setRefCount(1)

	if frameLen > 0 {
		h.frameVA = reg.view[headroom : headroom+frameLen]
		if err := h.AppendFrag(reg.ma+core.MA(headroom), frameLen); err != nil {
			a.freeRegion(reg)
			a.allocFails.Add(1)
			return nil, err
		}
	}
	if headroom > 0 {
		h.headroomVA = reg.view[:headroom]
	}
	a.allocs.Add(1)
	return h, nil
}

// PartialCopy duplicates h, privately copying at least the first
// numBytes of the frame into the new handle and sharing the remainder
// with the original. The copy gets at least as much headroom and at
// least as long a private prefix as the source, so no handle ever
// shares bytes another considers private.
func (h *Handle) PartialCopy(headroom, numBytes int) (*Handle, error) {
	a := h.alloc
	if stress.Hit(stress.PktPartialCopy) {
		a.allocFails.Add(1)
		return nil, fmt.Errorf("partial copy: %w", core.ErrNoResources)
	}

	dst := &Handle{
		flags:          h.flags &^ FlagPrivateBufDesc,
		desc:           h.desc,
		buf:            h.buf,
		frameVA:        h.frameVA,
		frameMappedLen: h.frameMappedLen,
		headroomVA:     h.headroomVA,
		alloc:          a,
	}
	h.incRef()

	if h.IsPrivateBufDesc() && numBytes < h.frameMappedLen {
		// The source's private prefix may be modified at any time, so
		// the copy must not share any part of it.
		numBytes = h.frameMappedLen
	}
	if numBytes > h.buf.frameLen {
		numBytes = h.buf.frameLen
	}
	if headroom < h.buf.headroomLen {
		headroom = h.buf.headroomLen
	}

	if numBytes > 0 {
		if err := a.createPrivateHdr(dst, headroom, numBytes); err != nil {
			dst.decRef()
			return nil, err
		}
		a.copies.Add(1)
	} else {
		a.clones.Add(1)
	}
	return dst, nil
}

// Clone returns a zero-copy reference to the packet. Cloning a handle
// that carries a private prefix copies that prefix so the clone never
// aliases it.
func (h *Handle) Clone() (*Handle, error) {
	if stress.Hit(stress.PktClone) {
		h.alloc.allocFails.Add(1)
		return nil, fmt.Errorf("clone: %w", core.ErrNoResources)
	}
	return h.PartialCopy(0, 0)
}

// createPrivateHdr copies the first numBytes of dst's frame into a
// fresh private buffer descriptor and rebuilds the SG array as the
// private fragments followed by the source fragments past numBytes.
func (a *Allocator) createPrivateHdr(dst *Handle, headroom, numBytes int) error {
	if stress.Hit(stress.PktPrivateHdr) {
		a.allocFails.Add(1)
		return fmt.Errorf("private hdr: %w", core.ErrNoResources)
	}
	srcBuf := dst.buf

	// Two spare elements over the source: one because the private
	// buffer takes an element of its own, one because the private
	// prefix may cross a page boundary where the source did not.
	extra := 0
	if cap(srcBuf.sg) > DefaultSGSize-2 {
		extra = cap(srcBuf.sg) - DefaultSGSize + 2
	}

	reg, err := a.allocRegion(headroom + numBytes)
	if err != nil {
		a.allocFails.Add(1)
		return err
	}

	nb := &BufDesc{
		sg:          make([]Frag, 0, DefaultSGSize+extra),
		headroomLen: headroom,
		region:      reg,
	}

	// Fill the private prefix before touching dst so a failed copy
	// leaves the handle shared and intact.
	if dst.frameVA != nil && numBytes <= dst.frameMappedLen {
		copy(reg.view[headroom:], dst.frameVA[:numBytes])
	} else if err := dst.copySG(reg.view[headroom:headroom+numBytes], 0, false); err != nil {
		a.freeRegion(reg)
		return err
	}

	for _, f := range SplitFrag(reg.ma+core.MA(headroom), numBytes) {
		nb.sg = append(nb.sg, f)
	}

	idx, off := sgIndexFromOffset(srcBuf.sg, numBytes)
	for ; idx < len(srcBuf.sg); idx++ {
		if len(nb.sg) == cap(nb.sg) {
			a.freeRegion(reg)
			return fmt.Errorf("private hdr: %w", core.ErrLimitExceeded)
		}
		f := srcBuf.sg[idx]
		nb.sg = append(nb.sg, Frag{Addr: f.Addr + core.MA(off), Len: f.Len - off})
		off = 0
	}
	nb.bufLen = srcBuf.bufLen
	nb.frameLen = srcBuf.frameLen

	dst.buf = nb
	dst.frameVA = reg.view[headroom : headroom+numBytes]
	dst.frameMappedLen = numBytes
	dst.headroomVA = reg.view[:headroom]
	dst.flags |= FlagPrivateBufDesc
	return nil
}

// freeHandle returns the handle's private memory to the allocator. For
// the master this is the backing region itself.
func (a *Allocator) freeHandle(h *Handle) {
	if h.flags&FlagPrivateBufDesc != 0 || h.IsMaster() {
		a.freeRegion(h.buf.region)
	}
	a.frees.Add(1)
}

// ReleaseOrComplete drops h's reference. Non-master handles are freed
// immediately. When the last reference goes away the master is freed
// too, unless the packet is flagged for completion notification: then
// the master's refcount is reset to 1 and the master returned so the
// caller can run the completion path.
func (h *Handle) ReleaseOrComplete() *Handle {
	master := h.desc.master
	descFlags := h.desc.flags
	prev := h.decRef()
	// The shared descriptor must not be dereferenced past this point
	// unless prev == 1; another holder may free it concurrently.

	if h != master {
		h.alloc.freeHandle(h)
	}

	if prev == 1 {
		if descFlags&DescFlagNotifyComplete != 0 {
			master.setRefCount(1)
			master.alloc.completions.Add(1)
			return master
		}
		master.alloc.freeHandle(master)
	}
	return nil
}

// Release drops h's reference. The packet must not be flagged for
// completion notification; such packets go through ReleaseOrComplete so
// the completion is not lost.
func (h *Handle) Release() {
	if m := h.ReleaseOrComplete(); m != nil {
		panic("pkt: Release dropped a packet flagged for completion")
	}
}
