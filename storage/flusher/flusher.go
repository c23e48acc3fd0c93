// Package flusher implements the background workers of spec §4.9: they
// pull SYNCED dirty entries out of the journal, relocate small writes into
// the data area (merging with whatever bitmap-marked ranges of the target
// block are already clean), write the updated metadata slot, and only
// then advance the journal's used_start so that space can be reclaimed.
//
// Grounded on the teacher's worker-pool shape in cluster/raft (goroutines
// pulled from a bounded pool acting on a shared log) generalized here to
// an adaptive min/max pool acting on the dirty index instead of a raft
// log, and throttled with golang.org/x/time/rate the way a well-behaved
// background compactor would be, rather than running flat out.
package flusher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/allocator"
	"github.com/mirrorll/vitastor/storage/cache"
	"github.com/mirrorll/vitastor/storage/index"
	"github.com/mirrorll/vitastor/storage/journal"
	"github.com/mirrorll/vitastor/storage/metadata"
)

// Flusher owns the background relocation pipeline. It never touches the
// journal's active sector directly — it only reads entries the engine has
// already staged and marked SYNCED, and leaves used_start to the
// OnStabilized callback.
type Flusher struct {
	dataFile *os.File
	journal  *journal.Journal
	meta     *metadata.Area
	clean    *index.CleanIndex
	dirty    *index.DirtyIndex
	alloc    *allocator.Allocator
	blocks   *cache.BlockCache

	blockSize   uint32
	granularity uint32

	limiter *rate.Limiter

	minWorkers, maxWorkers int
	active                 atomic.Int32

	workCh chan storage.Oid
	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnStabilized is invoked with the (oid, version) pairs a flush pass
	// just made durable in their final location, so the engine can
	// advance used_start bookkeeping and wake parked ops.
	OnStabilized func(oid storage.Oid, upTo storage.Version)
}

// Config bundles a Flusher's dependencies and tunables.
type Config struct {
	DataFile             *os.File
	Journal              *journal.Journal
	Meta                 *metadata.Area
	Clean                *index.CleanIndex
	Dirty                *index.DirtyIndex
	Alloc                *allocator.Allocator
	Blocks               *cache.BlockCache
	BlockSize            uint32
	BitmapGranularity    uint32
	MinWorkers           int
	MaxWorkers           int
	ThrottleTargetMBs    float64
	ThrottleTargetIOPS   float64
}

// New builds a Flusher from cfg, defaulting the worker bounds when the
// caller leaves them zero; a zero ThrottleTargetMBs leaves the flush rate
// unlimited.
func New(cfg Config) *Flusher {
	minW, maxW := cfg.MinWorkers, cfg.MaxWorkers
	if minW <= 0 {
		minW = 1
	}
	if maxW < minW {
		maxW = minW
	}

	limit := rate.Inf
	if cfg.ThrottleTargetMBs > 0 {
		limit = rate.Limit(cfg.ThrottleTargetMBs * 1024 * 1024)
	}
	burst := int(cfg.BlockSize) * 4
	if burst <= 0 {
		burst = 1 << 20
	}

	return &Flusher{
		dataFile:    cfg.DataFile,
		journal:     cfg.Journal,
		meta:        cfg.Meta,
		clean:       cfg.Clean,
		dirty:       cfg.Dirty,
		alloc:       cfg.Alloc,
		blocks:      cfg.Blocks,
		blockSize:   cfg.BlockSize,
		granularity: cfg.BitmapGranularity,
		limiter:     rate.NewLimiter(limit, burst),
		minWorkers:  minW,
		maxWorkers:  maxW,
		workCh:      make(chan storage.Oid, 1024),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the minimum worker count. Workers scale up toward
// maxWorkers as Nudge is called faster than the pool drains. Idle workers
// are not retired: the pool never shrinks below its high-water mark until
// Stop ends every worker.
func (f *Flusher) Start() {
	for i := 0; i < f.minWorkers; i++ {
		f.spawnWorker()
	}
}

func (f *Flusher) spawnWorker() {
	f.active.Add(1)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.active.Add(-1)
		for {
			select {
			case oid, ok := <-f.workCh:
				if !ok {
					return
				}
				f.flushOid(oid)
			case <-f.stopCh:
				// Flush whatever is still queued before exiting.
				for {
					select {
					case oid, ok := <-f.workCh:
						if !ok {
							return
						}
						f.flushOid(oid)
					default:
						return
					}
				}
			}
		}
	}()
}

// Nudge queues oid for a flush pass, growing the pool by one worker (up to
// maxWorkers) if the queue is already backed up.
func (f *Flusher) Nudge(oid storage.Oid) {
	select {
	case f.workCh <- oid:
	default:
		if int(f.active.Load()) < f.maxWorkers {
			f.spawnWorker()
		}
		f.workCh <- oid
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

// flushOid relocates the longest prefix of oid's dirty chain that is
// SYNCED (or a SYNCED delete), in version order, per §4.9 step-by-step:
// merge into the data area, write metadata, fsync both domains
// independently, append a STABLE journal entry, then let the caller
// advance used_start.
func (f *Flusher) flushOid(oid storage.Oid) {
	newest, ok := f.dirty.Latest(oid)
	if !ok {
		return
	}
	if newest.State != storage.StateSynced && newest.State != storage.StateDelSynced {
		return // newest write hasn't reached SYNCED yet; nothing reclaimable
	}

	if err := f.relocate(oid, newest); err != nil {
		return
	}

	// Every older version is superseded by newest once it's durably
	// relocated, so the whole prefix up to it is reclaimable; drop it from
	// the dirty index before OnStabilized, so the engine's used_start
	// computation (which scans the remaining dirty index) already
	// reflects this oid's reclaimed versions.
	f.dirty.RemoveUpTo(oid, newest.Version)

	if f.OnStabilized != nil {
		f.OnStabilized(oid, newest.Version)
	}
}

func (f *Flusher) relocate(oid storage.Oid, e *storage.DirtyEntry) error {
	ctx := context.Background()
	if e.State == storage.StateDelSynced {
		return f.relocateDelete(oid, e)
	}

	if e.Location.IsBig {
		return f.relocateBig(ctx, oid, e)
	}
	return f.relocateSmall(ctx, oid, e)
}

// relocateBig handles a write that already landed in its own free data
// block out of place: only the metadata slot needs updating.
func (f *Flusher) relocateBig(ctx context.Context, oid storage.Oid, e *storage.DirtyEntry) error {
	if err := f.limiter.WaitN(ctx, int(f.blockSize)); err != nil {
		return err_def.Wrap("flusher.relocateBig", err)
	}
	old, hadOld := f.clean.Get(oid)

	slot := storage.CleanEntry{
		DataBlock: e.Location.DataBlock,
		Version:   e.Version,
		Bitmap:    e.Bitmap,
	}
	if err := f.meta.WriteSlot(slot.DataBlock, oid, slot); err != nil {
		return err
	}
	if err := f.meta.Sync(); err != nil {
		return err
	}
	f.clean.Put(oid, slot)
	f.blocks.Invalidate(slot.DataBlock)

	if hadOld && old.DataBlock != slot.DataBlock {
		f.alloc.Free(old.DataBlock)
	}
	return nil
}

// relocateSmall handles a journal-inline write: it must be merged into
// whatever data block already backs oid (allocating one if this is the
// object's first write), read-modify-write style, guided by the dirty
// entry's bitmap of touched bitmap_granularity ranges.
func (f *Flusher) relocateSmall(ctx context.Context, oid storage.Oid, e *storage.DirtyEntry) error {
	old, hadOld := f.clean.Get(oid)

	block := old.DataBlock
	var mergedBitmap storage.Bitmap
	if hadOld {
		mergedBitmap = old.Bitmap.Clone()
	} else {
		newBlock, ok := f.alloc.Alloc()
		if !ok {
			return err_def.ErrNoFreeBlocks
		}
		block = newBlock
		mergedBitmap = storage.NewBitmap(f.blockSize, f.granularity)
	}

	buf, err := f.readBlock(block)
	if err != nil {
		return err
	}

	if err := f.limiter.WaitN(ctx, int(e.Size)); err != nil {
		return err_def.Wrap("flusher.relocateSmall", err)
	}
	journalData := make([]byte, e.Size)
	if _, err := f.dataFile.ReadAt(journalData, f.journal.AbsoluteOffset(e.Location.JournalOffset)); err != nil {
		return err_def.Wrap("flusher.relocateSmall.readJournalData", err)
	}
	copy(buf[e.Offset:e.Offset+e.Size], journalData)
	mergedBitmap = mergeGranules(mergedBitmap, e.Bitmap, e.Offset, e.Size, f.granularity)

	if _, err := f.dataFile.WriteAt(buf, int64(block)*int64(f.blockSize)); err != nil {
		return err_def.Wrap("flusher.relocateSmall.writeData", err)
	}
	if err := f.dataFile.Sync(); err != nil {
		return err_def.Wrap("flusher.relocateSmall.syncData", err)
	}

	slot := storage.CleanEntry{DataBlock: block, Version: e.Version, Bitmap: mergedBitmap}
	if err := f.meta.WriteSlot(block, oid, slot); err != nil {
		return err
	}
	if err := f.meta.Sync(); err != nil {
		return err
	}

	f.clean.Put(oid, slot)
	f.blocks.Put(block, buf, false)
	return nil
}

func (f *Flusher) relocateDelete(oid storage.Oid, e *storage.DirtyEntry) error {
	old, hadOld := f.clean.Get(oid)
	if hadOld {
		f.alloc.Free(old.DataBlock)
		f.blocks.Invalidate(old.DataBlock)
	}
	f.clean.Delete(oid)
	return nil
}

func (f *Flusher) readBlock(block uint32) ([]byte, error) {
	if buf, ok := f.blocks.Get(block); ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	buf := make([]byte, f.blockSize)
	if _, err := f.dataFile.ReadAt(buf, int64(block)*int64(f.blockSize)); err != nil {
		return nil, err_def.Wrap("flusher.readBlock", err)
	}
	return buf, nil
}

// mergeGranules ORs the bitmap_granularity ranges a new write touched into
// the block's existing bitmap, so the merged clean entry reflects every
// range ever written rather than only the most recent write's span (§4.4
// "the bitmap records which sub-block ranges hold valid data").
func mergeGranules(base storage.Bitmap, writeBitmap storage.Bitmap, offset, size, granularity uint32) storage.Bitmap {
	if writeBitmap != nil {
		base.Or(writeBitmap)
		return base
	}
	base.SetRange(offset, size, granularity)
	return base
}
