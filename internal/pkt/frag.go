package pkt

import "firestige.xyz/vnet/internal/core"

// Frag is one scatter-gather element: a machine-address range that never
// crosses a page boundary.
type Frag struct {
	Addr core.MA
	Len  int
}

// SplitFrag breaks the range [ma, ma+length) into fragments at page
// boundaries. A range already inside a single page yields one fragment.
func SplitFrag(ma core.MA, length int) []Frag {
	if length <= 0 {
		return nil
	}
	frags := make([]Frag, 0, length/core.PageSize+2)
	for length > 0 {
		sub := core.PageSize - core.PageOffset(ma)
		if sub > length {
			sub = length
		}
		frags = append(frags, Frag{Addr: ma, Len: sub})
		ma += core.MA(sub)
		length -= sub
	}
	return frags
}

// sgIndexFromOffset finds the fragment holding the byte just after
// offset, returning its index and the remaining offset within it. An
// offset at or past the end of the array returns len(sg) and the
// leftover byte count.
func sgIndexFromOffset(sg []Frag, offset int) (idx, off int) {
	off = offset
	for idx < len(sg) && off >= sg[idx].Len {
		off -= sg[idx].Len
		idx++
	}
	return idx, off
}

func sgTotalLen(sg []Frag) int {
	total := 0
	for _, f := range sg {
		total += f.Len
	}
	return total
}
