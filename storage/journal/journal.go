// Package journal implements the circular write-ahead log of spec §4.3: a
// byte region divided into journal_block_size sectors, a small ring of
// pinned in-memory staging buffers, and used_start/next_free bookkeeping
// that bounds how much of the region holds not-yet-reclaimed entries.
//
// It is grounded on the teacher's storage/file_manager.go: that file
// manages a sequence of append-only data files with a rotating "active
// file" and tracks a write offset the same way this journal tracks
// next_free; here the rotation is sector-sized and circular (mod
// regionSize) instead of unbounded file-sequence growth, because the
// journal is a fixed-size ring rather than Bitcask's ever-growing log.
package journal

import (
	"os"

	"github.com/mirrorll/vitastor/err_def"
)

// Journal owns the on-disk circular log region and the in-memory sector
// buffer ring used to stage writes into it before they're flushed.
type Journal struct {
	file         *os.File
	regionOffset uint64
	regionSize   uint64
	sectorSize   uint32

	// usedStart/nextFree are byte offsets relative to regionOffset, taken
	// modulo regionSize. The range [usedStart, nextFree) holds every
	// journal entry not yet reclaimed by the flusher (§3).
	usedStart uint64
	nextFree  uint64

	pool    []*SectorBuffer
	poolIdx int
	active  *SectorBuffer
	// activeDiskOffset is where active will land once it is closed and
	// flushed to disk.
	activeDiskOffset uint64
}

// Open creates a Journal bound to file, starting a fresh log at the given
// region. Recovery (journal.Replay) is invoked separately and may move
// usedStart/nextFree before the engine starts accepting ops.
func Open(file *os.File, offset, size uint64, sectorSize uint32, sectorCount int) (*Journal, error) {
	if sectorCount < 2 {
		sectorCount = 2
	}
	j := &Journal{
		file:         file,
		regionOffset: offset,
		regionSize:   size,
		sectorSize:   sectorSize,
		pool:         make([]*SectorBuffer, sectorCount),
	}
	for i := range j.pool {
		j.pool[i] = newSectorBuffer(uint32(i), sectorSize)
	}
	j.active = j.pool[0]
	j.poolIdx = 1 % sectorCount
	j.activeDiskOffset = 0
	return j, nil
}

// UsedStart / NextFree / RegionSize expose the ring pointers for the
// flusher and recovery to inspect and advance.
func (j *Journal) UsedStart() uint64 { return j.usedStart }
func (j *Journal) NextFree() uint64  { return j.nextFree }
func (j *Journal) RegionSize() uint64 { return j.regionSize }
func (j *Journal) SectorSize() uint32 { return j.sectorSize }

// SetPointers is used by recovery to install the replayed used_start/
// next_free before the engine opens for business.
func (j *Journal) SetPointers(usedStart, nextFree uint64) {
	j.usedStart = usedStart % j.regionSize
	j.nextFree = nextFree % j.regionSize
	j.activeDiskOffset = j.nextFree
}

// distance returns how many bytes separate usedStart from nextFree,
// measured forward around the ring — the "interval form" the spec's design
// notes (§9) call out as the correct semantics over a naive `==` or `<`
// check on raw offsets.
func (j *Journal) distance() uint64 {
	if j.nextFree >= j.usedStart {
		return j.nextFree - j.usedStart
	}
	return j.regionSize - j.usedStart + j.nextFree
}

// FreeSpace reports how many bytes remain before the ring would overrun
// usedStart.
func (j *Journal) FreeSpace() uint64 {
	return j.regionSize - j.distance()
}

// Empty reports whether the journal currently holds no live entries —
// used_start has caught up to next_free — the exit condition for a
// flush_journal-only run (spec §6 "flush_journal=true is a one-shot mode:
// open, drain, close").
func (j *Journal) Empty() bool {
	return j.distance() == 0
}

// WaitingOnJournal reports whether a pending request for `upTo` additional
// bytes from nextFree must still wait — i.e., whether the interval
// [usedStart, nextFree+upTo) is still nonempty modulo the ring, per the
// §9 design note. This replaces the source's ambiguous `<` vs `==` checks.
func (j *Journal) WaitingOnJournal(upTo uint64) bool {
	return upTo > j.FreeSpace()
}

// acquireSector returns an unpinned buffer from the ring to become the new
// active sector, or false (WAIT_JOURNAL_BUFFER) if every buffer is pinned.
func (j *Journal) acquireSector() (*SectorBuffer, bool) {
	n := len(j.pool)
	for i := 0; i < n; i++ {
		idx := (j.poolIdx + i) % n
		cand := j.pool[idx]
		if !cand.InUse() {
			cand.Reset()
			j.poolIdx = (idx + 1) % n
			return cand, true
		}
	}
	return nil, false
}

// Reserve carves out n contiguous bytes in the active sector, rotating to
// a fresh sector buffer first if there isn't room, and returns the
// reserved region of the sector's backing array for the caller to fill
// in place — the two-phase shape a SMALL_WRITE entry needs, since its
// JournalDataOffset field can only be computed once the reservation's
// disk offset is known. Returns ok=false with the concrete wait reason
// the caller should park on when no space or no free buffer is
// available.
func (j *Journal) Reserve(n uint32) (region []byte, diskOffset uint64, waitJournal, waitBuffer, ok bool) {
	if j.active.Residue() < n {
		if j.WaitingOnJournal(uint64(j.sectorSize)) {
			return nil, 0, true, false, false
		}
		next, acquired := j.acquireSector()
		if !acquired {
			return nil, 0, false, true, false
		}
		j.closeActiveAndAdvance()
		j.active = next
	}

	if n > j.active.Residue() {
		// A single entry wider than a whole sector can never fit.
		return nil, 0, false, false, false
	}

	at, grew := j.active.Grow(n)
	if !grew {
		return nil, 0, false, false, false
	}
	return j.active.Data[at : at+n], j.activeDiskOffset + uint64(at), false, false, true
}

// closeActiveAndAdvance finalizes the active sector's header (pointing
// next_sector at the sector that will follow it) and advances next_free.
func (j *Journal) closeActiveAndAdvance() {
	nextDiskOffset := (j.activeDiskOffset + uint64(j.sectorSize)) % j.regionSize
	j.active.Close(nextDiskOffset)
	j.nextFree = nextDiskOffset
	j.activeDiskOffset = nextDiskOffset
}

// FlushActive closes (if not already closed) and returns the active sector
// along with its disk offset, for the caller to submit via the ring. Used
// both when a sector fills naturally and when a sync forces an early flush
// (§4.3 "a sector is flushed when ... a sync demands it").
func (j *Journal) FlushActive() (*SectorBuffer, uint64) {
	sector := j.active
	offset := j.activeDiskOffset
	if !sector.Closed() {
		j.closeActiveAndAdvance()
		next, ok := j.acquireSector()
		if ok {
			j.active = next
		}
		// If no buffer is free, j.active stays put; Reserve will retry
		// acquiring on the next write admission.
	}
	return sector, offset
}

// AdvanceUsedStart moves the reclaim pointer forward; called by the
// flusher once every entry before `to` has been superseded by STABLE +
// metadata writes (§4.9 step 5).
func (j *Journal) AdvanceUsedStart(to uint64) {
	j.usedStart = to % j.regionSize
}

// AbsoluteOffset maps a journal-region-relative offset to an absolute file
// offset for ring I/O.
func (j *Journal) AbsoluteOffset(regionOffset uint64) int64 {
	return int64(j.regionOffset + regionOffset%j.regionSize)
}

// ValidateEntryCrc checks a SMALL_WRITE's inline data against its recorded
// checksum, used both on the read path (serving from the journal) and
// during recovery.
func ValidateEntryCrc(e Entry, data []byte) error {
	if Crc32(data) != e.DataCrc32 {
		return err_def.ErrChecksumMismatch
	}
	return nil
}
