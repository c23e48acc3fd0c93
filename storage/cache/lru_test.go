package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockCache_PutGet(t *testing.T) {
	c := New(2)
	c.Put(1, []byte("a"), false)
	data, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), data)
}

func TestBlockCache_EvictsLeastRecentlyUsedCleanBlock(t *testing.T) {
	c := New(2)
	c.Put(1, []byte("a"), false)
	c.Put(2, []byte("b"), false)
	c.Get(1) // 1 is now most recently used; 2 is least recently used
	c.Put(3, []byte("c"), false)

	_, ok := c.Get(2)
	require.False(t, ok, "least recently used clean block should be evicted")
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestBlockCache_NeverEvictsDirtyBlock(t *testing.T) {
	c := New(1)
	c.Put(1, []byte("a"), true)
	c.Put(2, []byte("b"), false)

	_, ok := c.Get(1)
	require.True(t, ok, "dirty block must survive eviction pressure")
	require.Equal(t, 2, c.Len())
}

func TestBlockCache_MarkCleanAllowsEviction(t *testing.T) {
	c := New(1)
	c.Put(1, []byte("a"), true)
	c.MarkClean(1)
	c.Put(2, []byte("b"), false)

	_, ok := c.Get(1)
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestBlockCache_Invalidate(t *testing.T) {
	c := New(2)
	c.Put(1, []byte("a"), false)
	c.Invalidate(1)
	_, ok := c.Get(1)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}
