// Package stress provides counter-based fault injection. Allocation and
// copy paths consult a named point before committing; a point that fires
// makes the caller fail as if the resource ran out. The default registry
// has every point disabled, so a consult costs one atomic pointer load
// and one map lookup on a read-only map.
package stress

import (
	"sync"
	"sync/atomic"
)

// Injection point names used by the packet buffer layer.
const (
	PktAlloc       = "pkt-alloc"
	PktClone       = "pkt-clone"
	PktPartialCopy = "pkt-partial-copy"
	PktPrivateHdr  = "pkt-private-hdr"
	PktAppendFrag  = "pkt-append-frag"
	PktCopyBytes   = "pkt-copy-bytes"
	MemsegMap      = "memseg-map"
)

// Injection point names used by the switching layer.
const (
	PortConnect       = "port-connect"
	PortEnable        = "port-enable"
	PortInputResume   = "port-input-resume"
	SwitchConnectPort = "switch-connect-port"
	PipelineResume    = "pipeline-resume"
)

// Registry decides whether a named point fires.
type Registry interface {
	Hit(point string) bool
}

type disabled struct{}

func (disabled) Hit(string) bool { return false }

// registryBox gives atomic.Value a single concrete type to store, since
// Store panics when successive values have different dynamic types.
type registryBox struct{ r Registry }

var current atomic.Value // registryBox

func init() {
	current.Store(registryBox{disabled{}})
}

// Hit reports whether the named point fires on this call.
func Hit(point string) bool {
	return current.Load().(registryBox).r.Hit(point)
}

// Swap installs r as the active registry and returns the previous one.
// Passing nil restores the disabled registry. Tests use this to make
// failure paths deterministic.
func Swap(r Registry) Registry {
	if r == nil {
		r = disabled{}
	}
	prev := current.Load().(registryBox).r
	current.Store(registryBox{r})
	return prev
}

// Counter fires a point once every N consults. N <= 0 never fires.
type Counter struct {
	every int64
	n     atomic.Int64
}

// NewCounter returns a counter firing on the every-th consult and each
// multiple after it.
func NewCounter(every int) *Counter {
	return &Counter{every: int64(every)}
}

func (c *Counter) hit() bool {
	if c.every <= 0 {
		return false
	}
	return c.n.Add(1)%c.every == 0
}

// CounterRegistry maps point names to counters. Points not present never
// fire. The map must not be mutated after the registry is installed.
type CounterRegistry struct {
	mu     sync.RWMutex
	points map[string]*Counter
}

// NewCounterRegistry builds a registry from every-N settings.
func NewCounterRegistry(every map[string]int) *CounterRegistry {
	points := make(map[string]*Counter, len(every))
	for name, n := range every {
		points[name] = NewCounter(n)
	}
	return &CounterRegistry{points: points}
}

// Hit implements Registry.
func (r *CounterRegistry) Hit(point string) bool {
	r.mu.RLock()
	c := r.points[point]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.hit()
}

// Set installs or replaces the counter for a point.
func (r *CounterRegistry) Set(point string, every int) {
	r.mu.Lock()
	r.points[point] = NewCounter(every)
	r.mu.Unlock()
}
