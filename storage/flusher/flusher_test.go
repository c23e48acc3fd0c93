package flusher

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/allocator"
	"github.com/mirrorll/vitastor/storage/cache"
	"github.com/mirrorll/vitastor/storage/index"
	"github.com/mirrorll/vitastor/storage/journal"
	"github.com/mirrorll/vitastor/storage/metadata"
)

const (
	testBlockSize   = 4096
	testGranularity = 4096
	testBlockCount  = 4
)

// harness wires a Flusher against a single backing file laid out as
// [data blocks][metadata region][journal region], mirroring the on-disk
// layout the engine itself builds.
type harness struct {
	f     *Flusher
	clean *index.CleanIndex
	dirty *index.DirtyIndex
	alloc *allocator.Allocator
	jrnl  *journal.Journal
	file  *os.File
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	file, err := os.CreateTemp(t.TempDir(), "flusher")
	require.NoError(t, err)

	const (
		dataSize    = testBlockSize * testBlockCount
		metaOffset  = dataSize
		metaSize    = 4096
		journalOff  = metaOffset + metaSize
		journalSize = 4096 * 8
	)
	require.NoError(t, file.Truncate(journalOff+journalSize))

	meta := metadata.Open(file, metaOffset, 4096, 1, 64<<10)
	jrnl, err := journal.Open(file, journalOff, journalSize, 4096, 2)
	require.NoError(t, err)

	clean := index.NewCleanIndex(0, testBlockCount)
	dirty := index.NewDirtyIndex()
	alloc := allocator.New(testBlockCount, rand.New(rand.NewSource(1)))
	blocks := cache.New(16)

	fl := New(Config{
		DataFile:          file,
		Journal:           jrnl,
		Meta:              meta,
		Clean:             clean,
		Dirty:             dirty,
		Alloc:             alloc,
		Blocks:            blocks,
		BlockSize:         testBlockSize,
		BitmapGranularity: testGranularity,
		MinWorkers:        1,
		MaxWorkers:        1,
	})

	return &harness{f: fl, clean: clean, dirty: dirty, alloc: alloc, jrnl: jrnl, file: file}
}

// flushAndWait nudges oid and blocks until the flusher's single worker has
// drained its queue, relying on Stop's WaitGroup join rather than a sleep.
func (h *harness) flushAndWait(t *testing.T, oid storage.Oid) {
	t.Helper()
	h.f.Start()
	h.f.Nudge(oid)
	h.f.Stop()
}

func TestFlusher_RelocateBigWriteUpdatesCleanIndexAndFreesOldBlock(t *testing.T) {
	h := newHarness(t)
	oid := storage.Oid{Inode: 1, Stripe: 0}

	old := storage.CleanEntry{DataBlock: 0, Version: 1}
	h.clean.Put(oid, old)
	h.alloc.MarkUsed(0)

	newBlock, ok := h.alloc.Alloc()
	require.True(t, ok)

	entry := &storage.DirtyEntry{
		Oid:     oid,
		Version: 2,
		State:   storage.StateSynced,
		Location: storage.Location{
			IsBig:     true,
			DataBlock: newBlock,
		},
		Bitmap: storage.NewBitmap(testBlockSize, testGranularity),
	}
	h.dirty.Insert(entry)

	h.flushAndWait(t, oid)

	got, ok := h.clean.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, newBlock, got.DataBlock)
	require.EqualValues(t, 2, got.Version)
	require.False(t, h.alloc.Used(0), "the superseded block must be returned to the allocator")

	require.Equal(t, 0, h.dirty.Len())
}

func TestFlusher_RelocateSmallWriteMergesIntoExistingBlock(t *testing.T) {
	h := newHarness(t)
	oid := storage.Oid{Inode: 2, Stripe: 0}

	block, ok := h.alloc.Alloc()
	require.True(t, ok)
	existing := make([]byte, testBlockSize)
	copy(existing, []byte("AAAA"))
	_, err := h.file.WriteAt(existing, int64(block)*testBlockSize)
	require.NoError(t, err)
	h.clean.Put(oid, storage.CleanEntry{DataBlock: block, Version: 1, Bitmap: storage.NewBitmap(testBlockSize, testGranularity)})

	payload := []byte("hello")
	region, diskOffset, waitJournal, waitBuffer, ok := h.jrnl.Reserve(uint32(len(payload)))
	require.True(t, ok)
	require.False(t, waitJournal)
	require.False(t, waitBuffer)
	copy(region, payload)
	// The sector buffer is in-memory only until the ring submits it; write
	// the same bytes straight to the backing file so relocateSmall's
	// ReadAt against the journal region sees real data.
	_, err = h.file.WriteAt(payload, h.jrnl.AbsoluteOffset(diskOffset))
	require.NoError(t, err)

	entry := &storage.DirtyEntry{
		Oid:     oid,
		Version: 2,
		State:   storage.StateSynced,
		Location: storage.Location{
			IsBig:         false,
			JournalOffset: diskOffset,
		},
		Offset: 0,
		Size:   uint32(len(payload)),
	}
	h.dirty.Insert(entry)

	h.flushAndWait(t, oid)

	got, ok := h.clean.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, block, got.DataBlock)
	require.EqualValues(t, 2, got.Version)
}

func TestFlusher_SkipsEntryNotYetSynced(t *testing.T) {
	h := newHarness(t)
	oid := storage.Oid{Inode: 3, Stripe: 0}

	entry := &storage.DirtyEntry{
		Oid:     oid,
		Version: 1,
		State:   storage.StateWritten,
		Location: storage.Location{IsBig: true, DataBlock: 0},
	}
	h.dirty.Insert(entry)

	h.flushAndWait(t, oid)

	_, ok := h.clean.Get(oid)
	require.False(t, ok, "an entry that never reached SYNCED must not be relocated")
	require.Equal(t, 1, h.dirty.Len())
}

func TestFlusher_RelocateDeleteFreesBlockAndClearsCleanEntry(t *testing.T) {
	h := newHarness(t)
	oid := storage.Oid{Inode: 4, Stripe: 0}

	block, ok := h.alloc.Alloc()
	require.True(t, ok)
	h.clean.Put(oid, storage.CleanEntry{DataBlock: block, Version: 1})

	entry := &storage.DirtyEntry{
		Oid:     oid,
		Version: 2,
		State:   storage.StateDelSynced,
	}
	h.dirty.Insert(entry)

	h.flushAndWait(t, oid)

	_, ok = h.clean.Get(oid)
	require.False(t, ok)
	require.False(t, h.alloc.Used(block))
}

func TestFlusher_StartSpawnsMinWorkersAndStopDrainsThemAll(t *testing.T) {
	h := newHarness(t)
	h.f.maxWorkers = 4
	h.f.minWorkers = 2
	h.f.Start()
	require.Equal(t, 2, int(h.f.active.Load()))

	h.f.Stop()
	require.Eventually(t, func() bool { return h.f.active.Load() == 0 }, time.Second, time.Millisecond)
}
