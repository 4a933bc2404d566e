package nulldev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
)

func TestNullDevSinks(t *testing.T) {
	a := pkt.NewAllocator(memseg.NewArena(0))
	impl, err := New(nil)
	require.NoError(t, err)
	nd := impl.(*NullDev)

	l := pkt.NewList()
	for i := 0; i < 5; i++ {
		h, err := a.Alloc(32, 0)
		require.NoError(t, err)
		l.AddToTail(h)
	}
	require.NoError(t, nd.Dispatch(nil, nil, l))

	assert.Equal(t, uint64(5), nd.Sunk())
	assert.Equal(t, 5, l.Len(), "frames stay on the list for the caller to complete")
	l.ReleaseAll()
}
