// Package metadata implements the on-disk metadata area of spec §4.4: a
// flat array of fixed-size clean-entry slots, one per data block, packed
// back to back from the region offset and fsynced on its own domain
// separate from the data area and the journal. Slots are not aligned to
// meta_block_size boundaries, so a slot may straddle two meta blocks.
//
// Grounded on the teacher's storage/file_manager.go fixed-record file
// layout (Bitcask's keydir entries are themselves flat fixed-size records
// addressed by offset); here the addressing is block-number-indexed rather
// than append-offset-indexed, since every data block owns exactly one slot
// for its lifetime.
package metadata

import (
	"encoding/binary"
	"os"

	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
)

// slotHeaderSize is the fixed part of one clean_entry's on-disk encoding:
// owning oid's inode(8) + stripe(8) + version(8); data_block is implied by
// position and the bitmap follows. Bitmap length is fixed per engine instance (block_size /
// bitmap_granularity bits, rounded up to a byte), so the slot size is
// computed once at Open from Options. The owning oid rides along in the
// slot itself because the data block number alone can't be inverted back
// to an oid during recovery's metadata-only scan.
const slotHeaderSize = 8 + 8 + 8 // inode + stripe + version

// Area owns the flat clean_entry array backing the metadata region.
type Area struct {
	file        *os.File
	regionOffset uint64
	blockSize   uint32 // meta_block_size, the fsync granularity
	bitmapBytes uint32
	slotSize    uint32
	slotsPerMetaBlock uint32
	bufSize     uint32 // meta_buf_size, recovery streaming chunk
}

// Open binds an Area to file at the given region, with the given per-slot
// bitmap width. Open takes no block count; Scan is told how many slots to
// read.
func Open(file *os.File, regionOffset uint64, metaBlockSize uint32, bitmapBytes uint32, bufSize uint32) *Area {
	slotSize := slotHeaderSize + bitmapBytes
	perBlock := metaBlockSize / slotSize
	if perBlock == 0 {
		perBlock = 1
	}
	return &Area{
		file:              file,
		regionOffset:      regionOffset,
		blockSize:         metaBlockSize,
		bitmapBytes:       bitmapBytes,
		slotSize:          slotSize,
		slotsPerMetaBlock: perBlock,
		bufSize:           bufSize,
	}
}

// SlotSize returns the encoded width of one clean_entry.
func (a *Area) SlotSize() uint32 { return a.slotSize }

// offsetFor derives the slot's absolute file offset in O(1) from the data
// block number, per §4.4 "no metadata index is needed: the slot for data
// block N sits at a fixed offset".
func (a *Area) offsetFor(dataBlock uint32) int64 {
	return int64(a.regionOffset) + int64(dataBlock)*int64(a.slotSize)
}

// metaBlockFor returns dataBlock / slotsPerMetaBlock. Nothing calls it,
// and because offsetFor packs slots back to back, it does not always name
// the meta block that holds a slot's bytes.
func (a *Area) metaBlockFor(dataBlock uint32) uint32 {
	return dataBlock / a.slotsPerMetaBlock
}

func (a *Area) encodeSlot(oid storage.Oid, e storage.CleanEntry) []byte {
	buf := make([]byte, a.slotSize)
	binary.LittleEndian.PutUint64(buf[0:8], oid.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], oid.Stripe)
	binary.LittleEndian.PutUint64(buf[16:24], e.Version)
	copy(buf[slotHeaderSize:], e.Bitmap)
	return buf
}

func (a *Area) decodeSlot(buf []byte, dataBlock uint32) (storage.Oid, storage.CleanEntry) {
	oid := storage.Oid{
		Inode:  binary.LittleEndian.Uint64(buf[0:8]),
		Stripe: binary.LittleEndian.Uint64(buf[8:16]),
	}
	ver := binary.LittleEndian.Uint64(buf[16:24])
	bm := storage.Bitmap(append([]byte(nil), buf[slotHeaderSize:a.slotSize]...))
	return oid, storage.CleanEntry{DataBlock: dataBlock, Version: ver, Bitmap: bm}
}

// WriteSlot persists one clean_entry synchronously, tagged with the oid
// that owns it. The caller is responsible for batching many WriteSlot
// calls under one metadata fsync (spec §4.4/§5: the metadata fsync domain
// is independent of the data and journal domains) — WriteSlot itself
// never calls Sync.
func (a *Area) WriteSlot(dataBlock uint32, oid storage.Oid, e storage.CleanEntry) error {
	buf := a.encodeSlot(oid, e)
	if _, err := a.file.WriteAt(buf, a.offsetFor(dataBlock)); err != nil {
		return err_def.Wrap("metadata.WriteSlot", err)
	}
	return nil
}

// Sync fsyncs the metadata file, closing the metadata domain's durability
// barrier.
func (a *Area) Sync() error {
	if err := a.file.Sync(); err != nil {
		return err_def.Wrap("metadata.Sync", err)
	}
	return nil
}

// ReadSlot loads one clean_entry for the read path or for individual
// verification; bulk recovery scanning should use Scan instead.
func (a *Area) ReadSlot(dataBlock uint32) (storage.Oid, storage.CleanEntry, error) {
	buf := make([]byte, a.slotSize)
	if _, err := a.file.ReadAt(buf, a.offsetFor(dataBlock)); err != nil {
		return storage.Oid{}, storage.CleanEntry{}, err_def.Wrap("metadata.ReadSlot", err)
	}
	oid, e := a.decodeSlot(buf, dataBlock)
	return oid, e, nil
}

// Scan streams the whole metadata area in meta_buf_size-sized chunks,
// invoking fn for every occupied slot (version != 0), per §4.10 recovery
// state 1 ("rebuild the clean index and allocator from a single streamed
// pass over the metadata area"). Streaming avoids pulling the entire area
// into memory at once on large devices.
func (a *Area) Scan(blockCount uint32, fn func(dataBlock uint32, oid storage.Oid, e storage.CleanEntry) error) error {
	chunkSlots := a.bufSize / a.slotSize
	if chunkSlots == 0 {
		chunkSlots = 1
	}
	buf := make([]byte, chunkSlots*a.slotSize)

	for start := uint32(0); start < blockCount; start += chunkSlots {
		n := chunkSlots
		if start+n > blockCount {
			n = blockCount - start
		}
		region := buf[:n*a.slotSize]
		if _, err := a.file.ReadAt(region, a.offsetFor(start)); err != nil {
			return err_def.Wrap("metadata.Scan", err)
		}
		for i := uint32(0); i < n; i++ {
			slot := region[i*a.slotSize : (i+1)*a.slotSize]
			oid, e := a.decodeSlot(slot, start+i)
			if e.Version == 0 {
				continue
			}
			if err := fn(start+i, oid, e); err != nil {
				return err
			}
		}
	}
	return nil
}
