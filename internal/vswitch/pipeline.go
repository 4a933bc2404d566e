// Package vswitch implements the switching fabric: ranked packet
// pipelines, ports, switches and the fabric registry tying them
// together with generation-tagged port IDs.
package vswitch

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/pkt"
)

// Rank orders pipeline hooks. Lower ranks run first; within a rank,
// hooks run in insertion order.
type Rank int

const (
	RankPreFilter Rank = iota
	RankFilter
	RankPostFilter
	RankQueue
	RankPostQueue
	RankTerminal
	numRanks
)

var rankNames = [numRanks]string{
	"pre-filter", "filter", "post-filter", "queue", "post-queue", "terminal",
}

func (r Rank) String() string {
	if r < 0 || r >= numRanks {
		return fmt.Sprintf("rank(%d)", int(r))
	}
	return rankNames[r]
}

// Hook processes a packet list on behalf of a port. A hook may remove
// packets it consumed (its link must be inserted with ModifiesList), may
// return ErrWouldBlock to suspend the walk, or any other error to abort
// it. Hooks run under the switch lock held by the caller and must not
// take fabric or switch locks themselves.
type Hook func(port *Port, pkts *pkt.List) error

// Link is one installed hook.
type Link struct {
	name         string
	rank         Rank
	hook         Hook
	modifiesList bool
	onInsert     func(*Link)
	onRemove     func(*Link)
}

// Name returns the link's name, defaulted from the hook's function name.
func (l *Link) Name() string { return l.name }

// Rank returns the rank the link was inserted at.
func (l *Link) Rank() Rank { return l.rank }

// LinkOption configures an inserted link.
type LinkOption func(*Link)

// WithName overrides the link name.
func WithName(name string) LinkOption {
	return func(l *Link) { l.name = name }
}

// ModifiesList marks the hook as one that may drop, reorder or rewrite
// the list. Pipelines containing such a link clone read-only lists
// before running them.
func ModifiesList() LinkOption {
	return func(l *Link) { l.modifiesList = true }
}

// WithInsertNotify registers fn to run right after the link is
// installed, under the same exclusive lock as the insert.
func WithInsertNotify(fn func(*Link)) LinkOption {
	return func(l *Link) { l.onInsert = fn }
}

// WithRemoveNotify registers fn to run when the link leaves the
// pipeline, whether by Remove or by Clear on teardown. Owners of
// per-link state use this to drop it when the chain goes away
// underneath them.
func WithRemoveNotify(fn func(*Link)) LinkOption {
	return func(l *Link) { l.onRemove = fn }
}

// PipelineStats is a snapshot of a pipeline's counters.
type PipelineStats struct {
	Starts       uint64 `json:"starts"`
	Resumes      uint64 `json:"resumes"`
	Suspends     uint64 `json:"suspends"`
	Errors       uint64 `json:"errors"`
	PktsStarted  uint64 `json:"pkts_started"`
	PktsPassed   uint64 `json:"pkts_passed"`
	PktsFiltered uint64 `json:"pkts_filtered"`
	PktsQueued   uint64 `json:"pkts_queued"`
	PktsDropped  uint64 `json:"pkts_dropped"`
}

// Pipeline is a ranked chain of hooks run over packet lists. Structure
// (insert/remove) is guarded by the owning switch's exclusive lock;
// execution happens under at least the shared lock. Counters are atomic
// so concurrent data-path walks can update them.
type Pipeline struct {
	name  string
	ranks [numRanks][]*Link
	// number of links that may modify the list
	modifiesList int
	// bumped on insert/remove, invalidates outstanding resumptions
	epoch uint64
	// sink for completion-flagged packets surfaced while cleaning up
	// internal clones
	complete func(*pkt.Handle)

	starts       atomic.Uint64
	resumes      atomic.Uint64
	suspends     atomic.Uint64
	errs         atomic.Uint64
	pktsStarted  atomic.Uint64
	pktsPassed   atomic.Uint64
	pktsFiltered atomic.Uint64
	pktsQueued   atomic.Uint64
	pktsDropped  atomic.Uint64
}

// Resumption continues a suspended pipeline walk. It owns the packets
// that were left when the walk suspended and is consumed by Resume.
// Inserting or removing links invalidates outstanding resumptions.
type Resumption struct {
	p         *Pipeline
	epoch     uint64
	rank      Rank
	idx       int
	pkts      *pkt.List
	fromClone bool
	used      bool
}

// Pending returns the packets held by the suspension.
func (r *Resumption) Pending() *pkt.List { return r.pkts }

// NewPipeline returns an empty pipeline. complete receives packets
// flagged for completion that the pipeline must dispose of internally;
// nil drops them.
func NewPipeline(name string, complete func(*pkt.Handle)) *Pipeline {
	return &Pipeline{name: name, complete: complete}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Insert appends a hook at the tail of the given rank and returns its
// link. Execution order within a rank is insertion order.
func (p *Pipeline) Insert(rank Rank, hook Hook, opts ...LinkOption) (*Link, error) {
	if rank < 0 || rank >= numRanks || hook == nil {
		return nil, fmt.Errorf("pipeline %s: insert: %w", p.name, core.ErrBadParam)
	}
	l := &Link{
		name: funcName(hook),
		rank: rank,
		hook: hook,
	}
	for _, o := range opts {
		o(l)
	}
	p.ranks[rank] = append(p.ranks[rank], l)
	if l.modifiesList {
		p.modifiesList++
	}
	p.epoch++
	if l.onInsert != nil {
		l.onInsert(l)
	}
	return l, nil
}

// Remove unlinks l. Returns false if l is not on the pipeline.
func (p *Pipeline) Remove(l *Link) bool {
	links := p.ranks[l.rank]
	for i, cand := range links {
		if cand == l {
			p.ranks[l.rank] = append(links[:i:i], links[i+1:]...)
			if l.modifiesList {
				p.modifiesList--
			}
			p.epoch++
			if l.onRemove != nil {
				l.onRemove(l)
			}
			return true
		}
	}
	return false
}

// Clear removes every link, invalidating outstanding resumptions.
// Remove notifications fire for every cleared link.
func (p *Pipeline) Clear() {
	var removed []*Link
	for r := range p.ranks {
		for _, l := range p.ranks[r] {
			if l.onRemove != nil {
				removed = append(removed, l)
			}
		}
		p.ranks[r] = nil
	}
	p.modifiesList = 0
	p.epoch++
	for _, l := range removed {
		l.onRemove(l)
	}
}

// FindByName returns the first link with the given name, or nil.
func (p *Pipeline) FindByName(name string) *Link {
	for r := Rank(0); r < numRanks; r++ {
		for _, l := range p.ranks[r] {
			if l.name == name {
				return l
			}
		}
	}
	return nil
}

// Len returns the number of installed links.
func (p *Pipeline) Len() int {
	n := 0
	for r := Rank(0); r < numRanks; r++ {
		n += len(p.ranks[r])
	}
	return n
}

// Stats returns a counter snapshot.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Starts:       p.starts.Load(),
		Resumes:      p.resumes.Load(),
		Suspends:     p.suspends.Load(),
		Errors:       p.errs.Load(),
		PktsStarted:  p.pktsStarted.Load(),
		PktsPassed:   p.pktsPassed.Load(),
		PktsFiltered: p.pktsFiltered.Load(),
		PktsQueued:   p.pktsQueued.Load(),
		PktsDropped:  p.pktsDropped.Load(),
	}
}

// Start runs the pipeline over pkts. Packets consumed by hooks are
// removed from the list; whatever remains when Start returns nil has
// passed the whole chain. If the pipeline contains modifying links and
// pkts is read-only, the walk runs on a clone and pkts is untouched.
//
// A non-nil Resumption means a hook suspended the walk; the remaining
// packets travel with the token and pkts is left without them.
func (p *Pipeline) Start(port *Port, pkts *pkt.List) (*Resumption, error) {
	p.starts.Add(1)
	p.pktsStarted.Add(uint64(pkts.Len()))

	if p.Len() == 0 || pkts.Len() == 0 {
		p.pktsPassed.Add(uint64(pkts.Len()))
		return nil, nil
	}

	run := pkts
	fromClone := false
	if p.modifiesList > 0 && !pkts.MayModify() {
		clone, err := pkts.Clone()
		if err != nil {
			p.errs.Add(1)
			return nil, fmt.Errorf("pipeline %s: clone: %w", p.name, err)
		}
		clone.SetMayModify(true)
		run = clone
		fromClone = true
	}

	tok, err := p.walk(port, run, 0, 0, fromClone)
	if fromClone && tok == nil {
		run.ReleaseOrCompleteAll(p.complete)
	}
	return tok, err
}

// Resume continues a suspended walk. The token is single-use; a token
// made stale by link insertion or removal fails with ErrBadParam and
// its packets are disposed of. On normal completion the surviving
// packets are returned (nil when the walk was running on an internal
// clone, whose survivors are completed here).
func (p *Pipeline) Resume(port *Port, tok *Resumption) (*pkt.List, *Resumption, error) {
	if tok == nil || tok.p != p || tok.used {
		return nil, nil, fmt.Errorf("pipeline %s: resume: %w", p.name, core.ErrBadParam)
	}
	tok.used = true
	if tok.epoch != p.epoch {
		tok.pkts.ReleaseOrCompleteAll(p.complete)
		return nil, nil, fmt.Errorf("pipeline %s: stale resumption: %w", p.name, core.ErrBadParam)
	}
	p.resumes.Add(1)

	next, err := p.walk(port, tok.pkts, tok.rank, tok.idx, tok.fromClone)
	if next != nil {
		return nil, next, nil
	}
	if tok.fromClone {
		tok.pkts.ReleaseOrCompleteAll(p.complete)
		return nil, nil, err
	}
	return tok.pkts, nil, err
}

// walk executes links from (rank, idx) onward, attributing consumed
// packets per rank: terminal and filter ranks are expected to eat,
// queue-rank consumption counts as queued, anything else as dropped.
func (p *Pipeline) walk(port *Port, run *pkt.List, rank Rank, idx int, fromClone bool) (*Resumption, error) {
	for r := rank; r < numRanks; r++ {
		in := run.Len()
		links := p.ranks[r]
		start := 0
		if r == rank {
			start = idx
		}
		for i := start; i < len(links); i++ {
			if run.Len() == 0 {
				p.accountRank(r, in)
				return nil, nil
			}
			l := links[i]
			err := l.hook(port, run)
			if err == nil {
				continue
			}
			if errors.Is(err, core.ErrWouldBlock) {
				p.suspends.Add(1)
				held := pkt.NewList()
				held.SetMayModify(run.MayModify())
				held.Join(run)
				return &Resumption{
					p:         p,
					epoch:     p.epoch,
					rank:      r,
					idx:       i + 1,
					pkts:      held,
					fromClone: fromClone,
				}, nil
			}
			p.errs.Add(1)
			p.pktsDropped.Add(uint64(run.Len()))
			return nil, fmt.Errorf("pipeline %s: link %s: %w", p.name, l.name, err)
		}
		p.accountRank(r, in-run.Len())
	}
	p.pktsPassed.Add(uint64(run.Len()))
	return nil, nil
}

func (p *Pipeline) accountRank(r Rank, eaten int) {
	if eaten <= 0 {
		return
	}
	switch r {
	case RankTerminal:
		p.pktsPassed.Add(uint64(eaten))
	case RankFilter:
		p.pktsFiltered.Add(uint64(eaten))
	case RankQueue:
		p.pktsQueued.Add(uint64(eaten))
	default:
		p.pktsDropped.Add(uint64(eaten))
	}
}

func funcName(h Hook) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "anonymous"
	}
	return fn.Name()
}
