// Package memseg provides the machine-address space backing packet
// buffers. Buffer code addresses frame bytes as MA fragments and obtains
// short-lived byte windows through a Mapper, one fragment at a time.
package memseg

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
)

// Mapper converts a machine-address range into a transient byte window.
// The release func must be called as soon as the caller is done with the
// window; holding more than one window at a time is allowed but each must
// be balanced by its own release.
type Mapper interface {
	Map(ma core.MA, length int) (b []byte, release func(), err error)
}

const (
	// arenaBase keeps zero and small integers out of the valid MA range
	// so an uninitialized MA never maps.
	arenaBase core.MA = 0x1000_0000

	// Each chunk owns a disjoint stride of the MA space. Chunks are never
	// reallocated, so views handed out by Alloc stay valid for the
	// arena's lifetime.
	chunkStride = core.MA(1) << 32

	chunkMinSize = 256 * core.PageSize
)

type chunk struct {
	buf  []byte
	used int // page aligned
}

// Arena is machine memory carved into page-aligned allocations. It hands
// out MAs inside a private range and implements Mapper over them with
// bounds checks. All methods are safe for concurrent use.
type Arena struct {
	mu     sync.Mutex
	chunks []chunk
	mapped atomic.Int64
}

// NewArena returns an arena with capacity for at least sizeHint bytes.
func NewArena(sizeHint int) *Arena {
	a := &Arena{}
	if sizeHint > 0 {
		a.chunks = append(a.chunks, newChunk(sizeHint))
	}
	return a
}

func newChunk(size int) chunk {
	if size < chunkMinSize {
		size = chunkMinSize
	}
	return chunk{buf: make([]byte, roundUpPage(size))}
}

// Alloc reserves size bytes of page-aligned machine memory and returns
// its MA together with a direct view valid for the arena's lifetime.
func (a *Arena) Alloc(size int) (core.MA, []byte, error) {
	if size <= 0 {
		return core.InvalidMA, nil, fmt.Errorf("alloc %d bytes: %w", size, core.ErrBadParam)
	}
	rounded := roundUpPage(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	ci := len(a.chunks) - 1
	if ci < 0 || a.chunks[ci].used+rounded > len(a.chunks[ci].buf) {
		a.chunks = append(a.chunks, newChunk(rounded))
		ci = len(a.chunks) - 1
	}
	c := &a.chunks[ci]
	off := c.used
	c.used += rounded
	ma := arenaBase + chunkStride*core.MA(ci) + core.MA(off)
	return ma, c.buf[off : off+size : off+size], nil
}

// Map implements Mapper. The window never spans the end of its chunk's
// allocated region and the release func decrements the outstanding
// mapping count reported by MappedCount.
func (a *Arena) Map(ma core.MA, length int) ([]byte, func(), error) {
	if length <= 0 {
		return nil, nil, fmt.Errorf("map %d bytes: %w", length, core.ErrBadParam)
	}
	if ma < arenaBase {
		return nil, nil, fmt.Errorf("map ma %#x: %w", uint64(ma), core.ErrBadAddrRange)
	}
	ci := int((ma - arenaBase) / chunkStride)
	off := int((ma - arenaBase) % chunkStride)

	a.mu.Lock()
	if ci >= len(a.chunks) {
		a.mu.Unlock()
		return nil, nil, fmt.Errorf("map ma %#x: %w", uint64(ma), core.ErrBadAddrRange)
	}
	c := a.chunks[ci]
	a.mu.Unlock()

	if off+length > c.used {
		return nil, nil, fmt.Errorf("map ma %#x len %d: %w", uint64(ma), length, core.ErrBadAddrRange)
	}
	a.mapped.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() { a.mapped.Add(-1) })
	}
	return c.buf[off : off+length : off+length], release, nil
}

// MappedCount reports the number of windows handed out by Map whose
// release func has not run yet.
func (a *Arena) MappedCount() int64 {
	return a.mapped.Load()
}

// Size reports the bytes currently allocated out of the arena.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, c := range a.chunks {
		total += c.used
	}
	return total
}

func roundUpPage(n int) int {
	return (n + core.PageMask) &^ core.PageMask
}
