// Package allocator implements the bitmap allocator over the engine's fixed
// data blocks (spec §4.2). It is single-threaded: the engine never calls it
// from more than one goroutine, so no internal locking is needed.
package allocator

import (
	"math/rand"
)

const wordBits = 64

// Allocator is a bitmap over [0, blockCount) with O(1) amortized alloc/free
// via a rotating cursor, grounded on the teacher's sharded, cursor-driven
// lookups (storage/index MemIndexShard) generalized to a bit-level scan.
type Allocator struct {
	words     []uint64
	blockCount uint32
	free      uint32
	cursor    uint32
}

// New creates an allocator over blockCount blocks, all initially free. The
// cursor starts at a random position (teacher's util.SecureRandSource
// idiom, reused here for wear-leveling rather than skip-list height) so that
// repeated opens of small test fixtures don't all hand out block 0 first.
func New(blockCount uint32, rng *rand.Rand) *Allocator {
	n := (blockCount + wordBits - 1) / wordBits
	a := &Allocator{
		words:      make([]uint64, n),
		blockCount: blockCount,
		free:       blockCount,
	}
	if blockCount > 0 {
		if rng != nil {
			a.cursor = uint32(rng.Int63n(int64(blockCount)))
		}
	}
	return a
}

func (a *Allocator) bit(i uint32) bool {
	return a.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

func (a *Allocator) set(i uint32) {
	a.words[i/wordBits] |= 1 << (i % wordBits)
}

func (a *Allocator) clear(i uint32) {
	a.words[i/wordBits] &^= 1 << (i % wordBits)
}

// Alloc returns the next free block, scanning from a rotating cursor so
// that repeated calls are amortized O(1) in the common case. It returns
// (0, false) when no block is free.
func (a *Allocator) Alloc() (uint32, bool) {
	if a.free == 0 {
		return 0, false
	}
	for i := uint32(0); i < a.blockCount; i++ {
		idx := (a.cursor + i) % a.blockCount
		if !a.bit(idx) {
			a.set(idx)
			a.free--
			a.cursor = (idx + 1) % a.blockCount
			return idx, true
		}
	}
	return 0, false
}

// MarkUsed marks block as allocated without going through the cursor scan;
// used by recovery when rebuilding the allocator from the metadata area.
func (a *Allocator) MarkUsed(block uint32) {
	if !a.bit(block) {
		a.set(block)
		a.free--
	}
}

// Free returns block to the pool. Freeing an already-free block is a no-op
// (defensive against double-free from a buggy caller, never hit on the
// engine's own code paths).
func (a *Allocator) Free(block uint32) {
	if a.bit(block) {
		a.clear(block)
		a.free++
	}
}

// Used reports whether block is currently allocated.
func (a *Allocator) Used(block uint32) bool {
	return a.bit(block)
}

// FreeCount returns the number of currently-free blocks.
func (a *Allocator) FreeCount() uint32 {
	return a.free
}

// BlockCount returns the total number of blocks the allocator covers.
func (a *Allocator) BlockCount() uint32 {
	return a.blockCount
}
