package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirrorll/vitastor/storage"
)

func TestCleanIndex_PutGetDelete(t *testing.T) {
	idx := NewCleanIndex(4, 100)
	oid := storage.Oid{Inode: 1, Stripe: 1}
	entry := storage.CleanEntry{DataBlock: 5, Version: 1}

	_, ok := idx.Get(oid)
	require.False(t, ok)

	idx.Put(oid, entry)
	got, ok := idx.Get(oid)
	require.True(t, ok)
	require.Equal(t, entry, got)
	require.Equal(t, 1, idx.Len())

	idx.Delete(oid)
	_, ok = idx.Get(oid)
	require.False(t, ok)
	require.Equal(t, 0, idx.Len())
}

func TestCleanIndex_PutOverwritesExisting(t *testing.T) {
	idx := NewCleanIndex(4, 100)
	oid := storage.Oid{Inode: 2, Stripe: 0}
	idx.Put(oid, storage.CleanEntry{DataBlock: 1, Version: 1})
	idx.Put(oid, storage.CleanEntry{DataBlock: 1, Version: 2})

	got, ok := idx.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, 2, got.Version)
	require.Equal(t, 1, idx.Len())
}

func TestCleanIndex_ForEachVisitsAll(t *testing.T) {
	idx := NewCleanIndex(4, 100)
	want := map[storage.Oid]storage.CleanEntry{
		{Inode: 1, Stripe: 0}: {DataBlock: 0, Version: 1},
		{Inode: 2, Stripe: 0}: {DataBlock: 1, Version: 1},
		{Inode: 3, Stripe: 0}: {DataBlock: 2, Version: 1},
	}
	for oid, e := range want {
		idx.Put(oid, e)
	}

	seen := map[storage.Oid]storage.CleanEntry{}
	idx.ForEach(func(oid storage.Oid, e storage.CleanEntry) bool {
		seen[oid] = e
		return true
	})
	require.Equal(t, want, seen)
}

func TestCleanIndex_ForEachStopsEarly(t *testing.T) {
	idx := NewCleanIndex(4, 100)
	for i := 0; i < 10; i++ {
		idx.Put(storage.Oid{Inode: uint64(i), Stripe: 0}, storage.CleanEntry{DataBlock: uint32(i), Version: 1})
	}

	count := 0
	idx.ForEach(func(oid storage.Oid, e storage.CleanEntry) bool {
		count++
		return count < 3
	})
	require.Equal(t, 3, count)
}
