package journal

import (
	"sync/atomic"
)

// SectorBuffer is one in-memory staging buffer for a journal sector: a
// header-in-progress plus pending entry bytes, shared by reference count
// among every op still writing into it (spec §3 "journal sector buffer
// pinning", §9 "ownership of buffers"). Adapted from the teacher's
// AsyncWriteReq/Resp pattern in storage/file_manager.go, but generalized
// from "one write, one response" to "many ops pin one sector".
type SectorBuffer struct {
	Index uint32 // position of this sector within the ring of sector buffers
	Data  []byte // header + packed entries, sized journalBlockSize

	// filled is how many bytes of Data currently hold valid header+entries.
	filled uint32

	usageCount atomic.Int32

	// closed marks that no further entries may be appended — either the
	// sector is full or an op explicitly closed it (no_same_sector_overwrites).
	closed bool
}

func newSectorBuffer(index uint32, size uint32) *SectorBuffer {
	return &SectorBuffer{
		Index:  index,
		Data:   make([]byte, size),
		filled: SectorHeaderSize,
	}
}

// Residue is how many bytes remain free in the sector for entry payloads.
func (s *SectorBuffer) Residue() uint32 {
	return uint32(len(s.Data)) - s.filled
}

// Closed reports whether the sector accepts no further appends.
func (s *SectorBuffer) Closed() bool {
	return s.closed
}

// Pin increments the usage count; the sector cannot be reused for another
// logical journal position until every pinning op has been unpinned.
func (s *SectorBuffer) Pin() {
	s.usageCount.Add(1)
}

// Unpin decrements the usage count, returning the value after decrement.
func (s *SectorBuffer) Unpin() int32 {
	return s.usageCount.Add(-1)
}

// InUse reports whether any op still references this sector's contents,
// per §3's invariant "usage_count > 0 iff at least one unfinished op is
// writing into it".
func (s *SectorBuffer) InUse() bool {
	return s.usageCount.Load() > 0
}

// Append writes entry's bytes into the sector and returns the offset (within
// Data) the entry starts at, or false if it doesn't fit in the residue.
func (s *SectorBuffer) Append(entry []byte) (uint32, bool) {
	if s.closed || uint32(len(entry)) > s.Residue() {
		return 0, false
	}
	at := s.filled
	copy(s.Data[at:], entry)
	s.filled += uint32(len(entry))
	return at, true
}

// Grow reserves n bytes of residue without writing into them, returning
// the offset the caller should copy its content into directly via
// s.Data[offset:offset+n]. Used when the content itself depends on the
// offset it will land at (a SMALL_WRITE entry's JournalDataOffset field).
func (s *SectorBuffer) Grow(n uint32) (uint32, bool) {
	if s.closed || n > s.Residue() {
		return 0, false
	}
	at := s.filled
	s.filled += n
	return at, true
}

// Close marks the sector as no longer appendable and finalizes its header
// (magic, type, crc32 over the filled region, next_sector link).
func (s *SectorBuffer) Close(next uint64) {
	if s.closed {
		return
	}
	h := SectorHeader{
		Magic:      journalMagic,
		Type:       1,
		Filled:     s.filled - SectorHeaderSize,
		NextSector: next,
	}
	h.Crc32 = Crc32(s.Data[SectorHeaderSize:s.filled])
	h.encode(s.Data)
	s.closed = true
}

// Reset prepares a previously-flushed, unpinned sector buffer for reuse.
func (s *SectorBuffer) Reset() {
	s.filled = SectorHeaderSize
	s.closed = false
}
