package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirrorll/vitastor/storage"
)

func entry(oid storage.Oid, version storage.Version) *storage.DirtyEntry {
	return &storage.DirtyEntry{Oid: oid, Version: version, State: storage.StateWritten}
}

func TestDirtyIndex_InsertGetRemove(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 1, Stripe: 1}
	d.Insert(entry(oid, 1))

	got, ok := d.Get(oid, 1)
	require.True(t, ok)
	require.Equal(t, storage.Version(1), got.Version)
	require.Equal(t, 1, d.Len())

	d.Remove(oid, 1)
	_, ok = d.Get(oid, 1)
	require.False(t, ok)
	require.Equal(t, 0, d.Len())
}

func TestDirtyIndex_LatestReturnsHighestVersion(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 2, Stripe: 0}
	d.Insert(entry(oid, 1))
	d.Insert(entry(oid, 3))
	d.Insert(entry(oid, 2))

	latest, ok := d.Latest(oid)
	require.True(t, ok)
	require.Equal(t, storage.Version(3), latest.Version)
}

func TestDirtyIndex_InsertOutOfOrderMaintainsAscendingChain(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 3, Stripe: 0}
	d.Insert(entry(oid, 5))
	d.Insert(entry(oid, 1))
	d.Insert(entry(oid, 3))

	var versions []storage.Version
	d.ForEachDescending(oid, func(e *storage.DirtyEntry) bool {
		versions = append(versions, e.Version)
		return true
	})
	require.Equal(t, []storage.Version{5, 3, 1}, versions)
}

func TestDirtyIndex_InsertReplacesExistingVersion(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 4, Stripe: 0}
	d.Insert(entry(oid, 1))
	replacement := entry(oid, 1)
	replacement.State = storage.StateSynced
	d.Insert(replacement)

	got, ok := d.Get(oid, 1)
	require.True(t, ok)
	require.Equal(t, storage.StateSynced, got.State)
	require.Equal(t, 1, d.Len())
}

func TestDirtyIndex_RemoveUpToDropsOlderVersions(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 5, Stripe: 0}
	for v := storage.Version(1); v <= 5; v++ {
		d.Insert(entry(oid, v))
	}

	d.RemoveUpTo(oid, 3)
	require.Equal(t, 2, d.Len())
	_, ok := d.Get(oid, 3)
	require.False(t, ok)
	_, ok = d.Get(oid, 4)
	require.True(t, ok)
}

func TestDirtyIndex_RemoveUpToEmptiesOidWhenAllSuperseded(t *testing.T) {
	d := NewDirtyIndex()
	oid := storage.Oid{Inode: 6, Stripe: 0}
	d.Insert(entry(oid, 1))
	d.Insert(entry(oid, 2))

	d.RemoveUpTo(oid, 100)
	require.Empty(t, d.Oids())
	_, ok := d.Latest(oid)
	require.False(t, ok)
}

func TestDirtyIndex_JournalRecordOffsetsSkipsUnjournaledEntries(t *testing.T) {
	d := NewDirtyIndex()
	oidA := storage.Oid{Inode: 7, Stripe: 0}
	oidB := storage.Oid{Inode: 8, Stripe: 0}

	journaled := entry(oidA, 1)
	journaled.JournalRecordOffset = 4096
	journaled.HasJournalRecord = true
	d.Insert(journaled)

	// A big write whose data-area I/O hasn't completed yet has no journal
	// entry at all; it must not be mistaken for one parked at offset 0.
	inFlight := entry(oidB, 1)
	inFlight.State = storage.StateSubmitted
	d.Insert(inFlight)

	offsets := d.JournalRecordOffsets()
	require.Equal(t, []uint64{4096}, offsets)
}

func TestDirtyIndex_OidsListsEveryDirtyOid(t *testing.T) {
	d := NewDirtyIndex()
	oidA := storage.Oid{Inode: 1, Stripe: 0}
	oidB := storage.Oid{Inode: 2, Stripe: 0}
	d.Insert(entry(oidA, 1))
	d.Insert(entry(oidB, 1))

	oids := d.Oids()
	require.Len(t, oids, 2)
	require.Contains(t, oids, oidA)
	require.Contains(t, oids, oidB)
}
