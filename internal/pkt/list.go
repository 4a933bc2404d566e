package pkt

import (
	"fmt"

	"firestige.xyz/vnet/internal/core"
)

// List is an intrusive doubly linked list of packet handles. A handle
// belongs to at most one list at a time. The mayModify flag tells
// pipeline stages whether they may drop, reorder or rewrite entries;
// stages that need to modify a read-only list work on a clone.
type List struct {
	head      *Handle
	tail      *Handle
	n         int
	mayModify bool
}

// NewList returns an empty list that may be modified.
func NewList() *List {
	return &List{mayModify: true}
}

// Len returns the number of packets on the list.
func (l *List) Len() int { return l.n }

// MayModify reports whether consumers may alter the list.
func (l *List) MayModify() bool { return l.mayModify }

// SetMayModify marks the list modifiable or read-only.
func (l *List) SetMayModify(v bool) { l.mayModify = v }

// First returns the head packet, nil when empty.
func (l *List) First() *Handle { return l.head }

// Last returns the tail packet, nil when empty.
func (l *List) Last() *Handle { return l.tail }

// Next returns the packet after h, nil at the end.
func (l *List) Next(h *Handle) *Handle {
	if h == nil || h.list != l {
		return nil
	}
	return h.next
}

// AddToTail appends h.
func (l *List) AddToTail(h *Handle) {
	l.assertFree(h)
	h.list = l
	h.prev = l.tail
	h.next = nil
	if l.tail != nil {
		l.tail.next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.n++
}

// AddToHead prepends h.
func (l *List) AddToHead(h *Handle) {
	l.assertFree(h)
	h.list = l
	h.next = l.head
	h.prev = nil
	if l.head != nil {
		l.head.prev = h
	} else {
		l.tail = h
	}
	l.head = h
	l.n++
}

// InsertAfter places h directly after mark, which must be on l.
func (l *List) InsertAfter(h, mark *Handle) {
	if mark == nil || mark.list != l {
		panic("pkt: InsertAfter mark not on list")
	}
	if mark == l.tail {
		l.AddToTail(h)
		return
	}
	l.assertFree(h)
	h.list = l
	h.prev = mark
	h.next = mark.next
	mark.next.prev = h
	mark.next = h
	l.n++
}

// InsertBefore places h directly before mark, which must be on l.
func (l *List) InsertBefore(h, mark *Handle) {
	if mark == nil || mark.list != l {
		panic("pkt: InsertBefore mark not on list")
	}
	if mark == l.head {
		l.AddToHead(h)
		return
	}
	l.assertFree(h)
	h.list = l
	h.next = mark
	h.prev = mark.prev
	mark.prev.next = h
	mark.prev = h
	l.n++
}

// Remove unlinks h from the list.
func (l *List) Remove(h *Handle) {
	if h.list != l {
		panic("pkt: Remove of packet not on list")
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		l.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		l.tail = h.prev
	}
	h.prev, h.next, h.list = nil, nil, nil
	l.n--
}

// Replace substitutes repl for old in place. old is unlinked but not
// released.
func (l *List) Replace(old, repl *Handle) {
	if old.list != l {
		panic("pkt: Replace of packet not on list")
	}
	l.assertFree(repl)
	repl.prev, repl.next, repl.list = old.prev, old.next, l
	if old.prev != nil {
		old.prev.next = repl
	} else {
		l.head = repl
	}
	if old.next != nil {
		old.next.prev = repl
	} else {
		l.tail = repl
	}
	old.prev, old.next, old.list = nil, nil, nil
}

// Split moves at and every packet after it onto a new list, which
// inherits the mayModify flag.
func (l *List) Split(at *Handle) *List {
	out := &List{mayModify: l.mayModify}
	if at == nil || at.list != l {
		return out
	}
	for h := at; h != nil; {
		next := h.next
		l.Remove(h)
		out.AddToTail(h)
		h = next
	}
	return out
}

// AppendN moves up to n packets from the head of src to the tail of l,
// preserving their order, and returns how many moved. n <= 0 moves
// nothing.
func (l *List) AppendN(src *List, n int) int {
	moved := 0
	for h := src.head; h != nil && moved < n; {
		next := h.next
		src.Remove(h)
		l.AddToTail(h)
		moved++
		h = next
	}
	return moved
}

// Join appends every packet of other to l, leaving other empty.
func (l *List) Join(other *List) {
	for h := other.head; h != nil; {
		next := h.next
		other.Remove(h)
		l.AddToTail(h)
		h = next
	}
}

// CloneN clones up to limit packets (limit <= 0 means all) onto a new
// list. On any clone failure the clones made so far are released and
// ErrNoResources returned.
func (l *List) CloneN(limit int) (*List, error) {
	out := NewList()
	for h := l.head; h != nil; h = h.next {
		if limit > 0 && out.n >= limit {
			break
		}
		c, err := h.Clone()
		if err != nil {
			out.ReleaseAll()
			return nil, fmt.Errorf("clone list: %w", core.ErrNoResources)
		}
		out.AddToTail(c)
	}
	return out, nil
}

// Clone clones every packet onto a new list.
func (l *List) Clone() (*List, error) {
	return l.CloneN(0)
}

// Copy duplicates every packet with a fully private frame.
func (l *List) Copy() (*List, error) {
	out := NewList()
	for h := l.head; h != nil; h = h.next {
		c, err := h.PartialCopy(0, h.FrameLen())
		if err != nil {
			out.ReleaseAll()
			return nil, fmt.Errorf("copy list: %w", core.ErrNoResources)
		}
		out.AddToTail(c)
	}
	return out, nil
}

// ReleaseAll removes and releases every packet. Packets flagged for
// completion must go through the fabric's completion path instead.
func (l *List) ReleaseAll() {
	for h := l.head; h != nil; {
		next := h.next
		l.Remove(h)
		h.Release()
		h = next
	}
}

// ReleaseOrCompleteAll removes and releases every packet, handing each
// surfaced master to complete. Used by the fabric's completion path.
func (l *List) ReleaseOrCompleteAll(complete func(*Handle)) {
	for h := l.head; h != nil; {
		next := h.next
		l.Remove(h)
		if m := h.ReleaseOrComplete(); m != nil && complete != nil {
			complete(m)
		}
		h = next
	}
}

func (l *List) assertFree(h *Handle) {
	if h.list != nil {
		panic("pkt: packet already on a list")
	}
}
