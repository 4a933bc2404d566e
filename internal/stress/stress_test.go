package stress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledByDefault(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.False(t, Hit(PktAlloc))
	}
}

func TestCounterEveryN(t *testing.T) {
	reg := NewCounterRegistry(map[string]int{PktClone: 3})
	prev := Swap(reg)
	defer Swap(prev)

	var hits int
	for i := 0; i < 9; i++ {
		if Hit(PktClone) {
			hits++
		}
	}
	assert.Equal(t, 3, hits)
	assert.False(t, Hit(PktAlloc), "unconfigured point must not fire")
}

func TestSwapRestores(t *testing.T) {
	reg := NewCounterRegistry(map[string]int{PktAlloc: 1})
	prev := Swap(reg)
	assert.True(t, Hit(PktAlloc))

	Swap(prev)
	assert.False(t, Hit(PktAlloc))
}
