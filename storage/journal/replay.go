package journal

import (
	"os"
)

// ReplayResult is what recovery state 10 (§4.10) needs out of a journal
// scan: the ordered entries to fold into the dirty index, plus the
// used_start/next_free pointers to resume the ring at.
type ReplayResult struct {
	Entries   []Entry
	UsedStart uint64
	NextFree  uint64
}

// Replay scans the journal region sector by sector starting at offset 0
// (relative to the region), following each sector's next_sector link,
// until it hits a sector whose header fails to validate (bad magic or
// crc32 mismatch) or has already been visited (a corrupt next_sector
// forming a cycle). Everything before the first invalid sector is
// accepted; everything from it onward is discarded as the "trailing
// entries past the last intact sector header" spec §4.10 describes.
//
// UsedStart is set to the start of the oldest sector holding an entry for
// an (oid, version) that never reached STABLE; NextFree is set to the end
// of the last intact sector.
func Replay(file *os.File, regionOffset, regionSize uint64, sectorSize uint32) (ReplayResult, error) {
	maxSectors := regionSize / uint64(sectorSize)
	visited := make(map[uint64]bool, maxSectors)

	var entries []Entry
	var entrySector []int // parallel to entries: index into sectorStarts
	var sectorStarts []uint64

	cur := uint64(0)
	buf := make([]byte, sectorSize)

	for uint64(len(visited)) < maxSectors {
		if visited[cur] {
			break
		}
		visited[cur] = true

		n, err := file.ReadAt(buf, int64(regionOffset+cur))
		if err != nil && n < int(sectorSize) {
			break
		}

		hdr, err := decodeSectorHeader(buf)
		if err != nil {
			break
		}
		if uint64(SectorHeaderSize)+uint64(hdr.Filled) > uint64(sectorSize) {
			break
		}

		body := buf[SectorHeaderSize : SectorHeaderSize+int(hdr.Filled)]
		if Crc32(body) != hdr.Crc32 {
			break
		}

		sectorIdx := len(sectorStarts)
		sectorStarts = append(sectorStarts, cur)

		off := 0
		for off < len(body) {
			e, n, derr := DecodeEntry(body[off:])
			if derr != nil {
				break
			}
			entries = append(entries, e)
			entrySector = append(entrySector, sectorIdx)
			off += n
		}

		if hdr.NextSector == cur {
			break
		}
		cur = hdr.NextSector % regionSize
	}

	result := ReplayResult{Entries: entries}
	if len(sectorStarts) == 0 {
		return result, nil
	}

	result.NextFree = (sectorStarts[len(sectorStarts)-1] + uint64(sectorSize)) % regionSize
	result.UsedStart = oldestUnstableOffset(entries, entrySector, sectorStarts, result.NextFree)
	return result, nil
}

// oldestUnstableOffset finds the journal offset of the earliest sector
// holding an entry for an (oid, version) pair that a SMALL_WRITE/
// BIG_WRITE/DELETE introduced but no later STABLE entry covers — the
// invariant that used_start must precede every not-yet-reclaimed write.
// Versions a STABLE entry covers are fully reclaimable; everything else
// pins used_start at its own sector.
func oldestUnstableOffset(entries []Entry, entrySector []int, sectorStarts []uint64, nextFree uint64) uint64 {
	type key struct {
		inode, stripe, ver uint64
	}
	stable := make(map[key]bool)
	for _, e := range entries {
		if e.Kind != EntryStable {
			continue
		}
		for _, ov := range e.Versions {
			stable[key{ov.Oid.Inode, ov.Oid.Stripe, ov.Version}] = true
		}
	}

	oldestSector := -1
	for i, e := range entries {
		switch e.Kind {
		case EntrySmallWrite, EntryBigWrite, EntryDelete:
			k := key{e.Oid.Inode, e.Oid.Stripe, e.Version}
			if !stable[k] {
				if oldestSector == -1 || entrySector[i] < oldestSector {
					oldestSector = entrySector[i]
				}
			}
		}
	}

	if oldestSector == -1 {
		return nextFree
	}
	return sectorStarts[oldestSector]
}
