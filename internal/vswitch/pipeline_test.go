package vswitch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/core"
	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
)

func newTestAllocator() *pkt.Allocator {
	return pkt.NewAllocator(memseg.NewArena(0))
}

func newTestFrame(t *testing.T, a *pkt.Allocator, payload []byte) *pkt.Handle {
	t.Helper()
	h, err := a.Alloc(len(payload), 0)
	require.NoError(t, err)
	require.NoError(t, h.AppendBytes(payload))
	return h
}

func newTestList(t *testing.T, a *pkt.Allocator, n int) *pkt.List {
	t.Helper()
	l := pkt.NewList()
	for i := 0; i < n; i++ {
		l.AddToTail(newTestFrame(t, a, []byte{byte(i), 1, 2, 3}))
	}
	l.SetMayModify(true)
	return l
}

func TestPipelineRankOrder(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	var order []string
	record := func(name string) Hook {
		return func(*Port, *pkt.List) error {
			order = append(order, name)
			return nil
		}
	}

	_, err := p.Insert(RankTerminal, record("term"))
	require.NoError(t, err)
	_, err = p.Insert(RankPreFilter, record("pre"))
	require.NoError(t, err)
	_, err = p.Insert(RankFilter, record("filter-a"))
	require.NoError(t, err)
	_, err = p.Insert(RankFilter, record("filter-b"))
	require.NoError(t, err)

	pkts := newTestList(t, a, 1)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.Nil(t, tok)

	assert.Equal(t, []string{"pre", "filter-a", "filter-b", "term"}, order)
	pkts.ReleaseAll()
}

func TestPipelineInsertValidation(t *testing.T) {
	p := NewPipeline("test", nil)
	_, err := p.Insert(Rank(99), func(*Port, *pkt.List) error { return nil })
	assert.ErrorIs(t, err, core.ErrBadParam)
	_, err = p.Insert(RankFilter, nil)
	assert.ErrorIs(t, err, core.ErrBadParam)
}

func TestPipelineRemoveAndFind(t *testing.T) {
	p := NewPipeline("test", nil)
	l, err := p.Insert(RankQueue, func(*Port, *pkt.List) error { return nil },
		WithName("queue-hook"), ModifiesList())
	require.NoError(t, err)

	assert.Same(t, l, p.FindByName("queue-hook"))
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.Remove(l))
	assert.False(t, p.Remove(l))
	assert.Nil(t, p.FindByName("queue-hook"))
	assert.Equal(t, 0, p.Len())
}

func TestPipelineSuspendResume(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	_, err := p.Insert(RankQueue, func(*Port, *pkt.List) error {
		return core.ErrWouldBlock
	})
	require.NoError(t, err)

	ran := 0
	_, err = p.Insert(RankPostQueue, func(_ *Port, pkts *pkt.List) error {
		ran += pkts.Len()
		return nil
	})
	require.NoError(t, err)

	pkts := newTestList(t, a, 3)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, 0, pkts.Len(), "suspended packets travel with the token")
	assert.Equal(t, 3, tok.Pending().Len())
	assert.Equal(t, 0, ran)

	rem, next, err := p.Resume(nil, tok)
	require.NoError(t, err)
	require.Nil(t, next)
	require.NotNil(t, rem)
	assert.Equal(t, 3, rem.Len())
	assert.Equal(t, 3, ran)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Suspends)
	assert.Equal(t, uint64(1), st.Resumes)

	// tokens are single use
	_, _, err = p.Resume(nil, tok)
	assert.ErrorIs(t, err, core.ErrBadParam)

	rem.ReleaseAll()
}

func TestPipelineResumeRunsRemainingHooksOnly(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	calls := 0
	_, err := p.Insert(RankFilter, func(*Port, *pkt.List) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	_, err = p.Insert(RankQueue, func(*Port, *pkt.List) error {
		return core.ErrWouldBlock
	})
	require.NoError(t, err)

	pkts := newTestList(t, a, 1)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, 1, calls)

	// resume picks up after the suspending link, not at the top
	rem, next, err := p.Resume(nil, tok)
	require.NoError(t, err)
	require.Nil(t, next)
	assert.Equal(t, 1, calls, "filter hook must not run twice")
	rem.ReleaseAll()
}

func TestPipelineStaleResumption(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	_, err := p.Insert(RankQueue, func(*Port, *pkt.List) error {
		return core.ErrWouldBlock
	})
	require.NoError(t, err)

	pkts := newTestList(t, a, 2)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.NotNil(t, tok)

	// structural change invalidates the token
	_, err = p.Insert(RankTerminal, func(*Port, *pkt.List) error { return nil })
	require.NoError(t, err)

	before := a.Stats().Frees
	_, _, err = p.Resume(nil, tok)
	assert.ErrorIs(t, err, core.ErrBadParam)
	assert.Equal(t, before+2, a.Stats().Frees, "stale token disposes its packets")
}

func TestPipelineClonesReadOnlyList(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	_, err := p.Insert(RankFilter, func(_ *Port, pkts *pkt.List) error {
		for h := pkts.First(); h != nil; {
			next := pkts.Next(h)
			pkts.Remove(h)
			h.Release()
			h = next
		}
		return nil
	}, ModifiesList())
	require.NoError(t, err)

	pkts := newTestList(t, a, 2)
	pkts.SetMayModify(false)

	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.Nil(t, tok)

	assert.Equal(t, 2, pkts.Len(), "read-only list must be untouched")
	for h := pkts.First(); h != nil; h = pkts.Next(h) {
		assert.Equal(t, 1, h.RefCount(), "clone references must be gone")
	}
	pkts.ReleaseAll()
}

func TestPipelineHookErrorDropsRemaining(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	boom := errors.New("boom")
	_, err := p.Insert(RankPostFilter, func(*Port, *pkt.List) error { return boom })
	require.NoError(t, err)

	pkts := newTestList(t, a, 2)
	tok, err := p.Start(nil, pkts)
	require.Nil(t, tok)
	assert.ErrorIs(t, err, boom)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, uint64(2), st.PktsDropped)
	pkts.ReleaseAll()
}

func TestPipelineAccounting(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	// filter eats the first packet, terminal eats the rest
	_, err := p.Insert(RankFilter, func(_ *Port, pkts *pkt.List) error {
		h := pkts.First()
		pkts.Remove(h)
		h.Release()
		return nil
	}, ModifiesList())
	require.NoError(t, err)
	_, err = p.Insert(RankTerminal, func(_ *Port, pkts *pkt.List) error {
		for h := pkts.First(); h != nil; {
			next := pkts.Next(h)
			pkts.Remove(h)
			h.Release()
			h = next
		}
		return nil
	}, ModifiesList())
	require.NoError(t, err)

	pkts := newTestList(t, a, 3)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.Nil(t, tok)

	st := p.Stats()
	assert.Equal(t, uint64(3), st.PktsStarted)
	assert.Equal(t, uint64(1), st.PktsFiltered)
	assert.Equal(t, uint64(2), st.PktsPassed)
	assert.Equal(t, 0, pkts.Len())
}

func TestPipelineInsertRemoveNotifications(t *testing.T) {
	p := NewPipeline("test", nil)
	nop := func(*Port, *pkt.List) error { return nil }

	var inserted, removed []string
	la, err := p.Insert(RankFilter, nop,
		WithName("a"),
		WithInsertNotify(func(l *Link) { inserted = append(inserted, l.Name()) }),
		WithRemoveNotify(func(l *Link) { removed = append(removed, l.Name()) }))
	require.NoError(t, err)
	_, err = p.Insert(RankQueue, nop,
		WithName("b"),
		WithRemoveNotify(func(l *Link) { removed = append(removed, l.Name()) }))
	require.NoError(t, err)
	// a link without callbacks is fine
	_, err = p.Insert(RankTerminal, nop, WithName("c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, inserted)
	assert.Empty(t, removed)

	require.True(t, p.Remove(la))
	assert.Equal(t, []string{"a"}, removed)

	// teardown fires remove for every remaining subscribed link
	p.Clear()
	assert.Equal(t, []string{"a", "b"}, removed)
	assert.Equal(t, 0, p.Len())
}

func TestPipelineClearInvalidatesResumption(t *testing.T) {
	a := newTestAllocator()
	p := NewPipeline("test", nil)

	_, err := p.Insert(RankQueue, func(*Port, *pkt.List) error {
		return core.ErrWouldBlock
	})
	require.NoError(t, err)

	pkts := newTestList(t, a, 1)
	tok, err := p.Start(nil, pkts)
	require.NoError(t, err)
	require.NotNil(t, tok)

	p.Clear()
	_, _, err = p.Resume(nil, tok)
	assert.ErrorIs(t, err, core.ErrBadParam)
}
