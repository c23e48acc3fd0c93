package allocator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocator_AllocExhaustion(t *testing.T) {
	a := New(4, rand.New(rand.NewSource(1)))
	require.EqualValues(t, 4, a.FreeCount())

	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		block, ok := a.Alloc()
		require.True(t, ok)
		require.False(t, seen[block], "block %d allocated twice", block)
		seen[block] = true
	}
	require.EqualValues(t, 0, a.FreeCount())

	_, ok := a.Alloc()
	require.False(t, ok)
}

func TestAllocator_FreeThenReuse(t *testing.T) {
	a := New(4, rand.New(rand.NewSource(1)))
	for i := 0; i < 4; i++ {
		_, ok := a.Alloc()
		require.True(t, ok)
	}
	a.Free(2)
	require.EqualValues(t, 1, a.FreeCount())
	require.False(t, a.Used(2))

	block, ok := a.Alloc()
	require.True(t, ok)
	require.EqualValues(t, 2, block)
}

func TestAllocator_MarkUsed(t *testing.T) {
	a := New(8, nil)
	a.MarkUsed(3)
	require.True(t, a.Used(3))
	require.EqualValues(t, 7, a.FreeCount())

	// Marking an already-used block twice doesn't double-decrement free.
	a.MarkUsed(3)
	require.EqualValues(t, 7, a.FreeCount())
}

func TestAllocator_DoubleFreeIsNoop(t *testing.T) {
	a := New(4, nil)
	block, ok := a.Alloc()
	require.True(t, ok)
	a.Free(block)
	require.EqualValues(t, 4, a.FreeCount())
	a.Free(block)
	require.EqualValues(t, 4, a.FreeCount())
}

func TestAllocator_ZeroBlocks(t *testing.T) {
	a := New(0, rand.New(rand.NewSource(1)))
	_, ok := a.Alloc()
	require.False(t, ok)
}
