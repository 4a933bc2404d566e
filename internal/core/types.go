// Package core defines core types with zero external dependencies.
package core

// PortID identifies a port within the whole fabric. The value packs the
// switch slot index in the high bits, a generation counter in the middle
// and the port array index in the low bits, so a stale ID held across a
// disconnect never aliases a live port.
type PortID uint32

// InvalidPortID is never issued to a connected port.
const InvalidPortID PortID = 0

// MA is a machine address. Frame payloads are addressed as scatter-gather
// lists of MA fragments; nothing above the memseg layer may assume the
// frame is virtually contiguous.
type MA uint64

// InvalidMA marks an unmapped or failed address.
const InvalidMA MA = ^MA(0)

// VLANID is an 802.1Q VLAN identifier (12 bits used).
type VLANID uint16

const (
	// PageSize is the granularity of transient machine-address mappings.
	// Scatter-gather fragments never cross a page boundary.
	PageSize = 4096
	PageMask = PageSize - 1
)

// PageOffset returns the offset of ma within its page.
func PageOffset(ma MA) int {
	return int(ma & PageMask)
}
