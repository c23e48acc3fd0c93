package journal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, regionSize uint64, sectorSize uint32, sectorCount int) *Journal {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "journal")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(regionSize)))
	j, err := Open(f, 0, regionSize, sectorSize, sectorCount)
	require.NoError(t, err)
	return j
}

func TestJournal_EmptyInitially(t *testing.T) {
	j := openTestJournal(t, 4096*8, 4096, 4)
	require.True(t, j.Empty())
	require.EqualValues(t, 4096*8, j.FreeSpace())
}

func TestJournal_ReserveFitsInActiveSector(t *testing.T) {
	j := openTestJournal(t, 4096*8, 4096, 4)
	region, offset, waitJournal, waitBuffer, ok := j.Reserve(128)
	require.True(t, ok)
	require.False(t, waitJournal)
	require.False(t, waitBuffer)
	require.Len(t, region, 128)
	require.EqualValues(t, SectorHeaderSize, offset)
}

func TestJournal_ReserveAdvancesNextFreeAcrossSectors(t *testing.T) {
	j := openTestJournal(t, 4096*4, 4096, 4)
	// Fill past the first sector's residue to force a rotation.
	residue := 4096 - SectorHeaderSize
	_, _, _, _, ok := j.Reserve(uint32(residue))
	require.True(t, ok)
	require.EqualValues(t, 0, j.NextFree(), "next_free shouldn't advance until the sector closes")

	_, offset, _, _, ok := j.Reserve(16)
	require.True(t, ok)
	// Forced to rotate to sector 1 since sector 0 had no more residue.
	require.EqualValues(t, 4096+SectorHeaderSize, offset)
	require.EqualValues(t, 4096, j.NextFree())
}

func TestJournal_WaitingOnJournalWhenFull(t *testing.T) {
	j := openTestJournal(t, 4096*2, 4096, 2)
	j.SetPointers(0, 4096) // simulate the ring almost full: only one sector free
	require.True(t, j.WaitingOnJournal(4096 + 1))
	require.False(t, j.WaitingOnJournal(1))
}

func TestJournal_AdvanceUsedStartShrinksDistance(t *testing.T) {
	j := openTestJournal(t, 4096*4, 4096, 4)
	j.SetPointers(0, 4096*2)
	require.EqualValues(t, 4096*2, j.distance())
	j.AdvanceUsedStart(4096)
	require.EqualValues(t, 4096, j.distance())
}

func TestJournal_DistanceWrapsAroundRing(t *testing.T) {
	j := openTestJournal(t, 4096*4, 4096, 4)
	// used_start ahead of next_free simulates having wrapped the ring once.
	j.SetPointers(4096*3, 4096)
	require.EqualValues(t, 4096*2, j.distance())
}

func TestJournal_ReserveFailsWhenNoBufferFree(t *testing.T) {
	j := openTestJournal(t, 4096*3, 4096, 2)
	residue := 4096 - SectorHeaderSize

	// Fill and pin sector 0 without closing it so it stays "in use".
	_, _, _, _, ok := j.Reserve(uint32(residue))
	require.True(t, ok)
	j.pool[0].Pin()

	// Force rotation: sector 0 has no residue left, only sector 1 is free.
	_, _, _, _, ok = j.Reserve(16)
	require.True(t, ok)
	j.pool[1].Pin()

	// Now both sectors are pinned; the next rotation must report
	// WAIT_JOURNAL_BUFFER rather than silently overwriting a pinned sector.
	residue2 := 4096 - SectorHeaderSize - 16
	_, _, _, _, ok = j.Reserve(uint32(residue2))
	require.True(t, ok)

	_, _, waitJournal, waitBuffer, ok := j.Reserve(16)
	require.False(t, ok)
	require.False(t, waitJournal)
	require.True(t, waitBuffer)
}
