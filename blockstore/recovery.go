package blockstore

import (
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/journal"
)

// recover runs the four recovery states of §4.10 in sequence: scan the
// metadata area to rebuild the clean index and allocator (states 0-1),
// replay the journal to rebuild the dirty index and used_start/next_free
// (state 2), then open for business (state 10).
func (e *Engine) recover(blockCount uint32) error {
	if err := e.rebuildCleanState(blockCount); err != nil {
		return err
	}
	return e.replayJournal()
}

// rebuildCleanState streams the metadata area once, installing every
// occupied slot into the clean index and marking its block used in the
// allocator — state 1 of §4.10.
func (e *Engine) rebuildCleanState(blockCount uint32) error {
	return e.meta.Scan(blockCount, func(dataBlock uint32, oid storage.Oid, entry storage.CleanEntry) error {
		e.clean.Put(oid, entry)
		e.alloc.MarkUsed(dataBlock)
		e.seedVersion(oid, entry.Version)
		return nil
	})
}

// replayJournal walks the journal from the start of its region, folding
// every decoded entry into the dirty index and reinstalling used_start/
// next_free — state 2 of §4.10. Versions a STABLE entry covers are
// dropped rather than replayed into the dirty index, since they're
// already reflected in the clean index by the metadata scan.
func (e *Engine) replayJournal() error {
	result, err := journal.Replay(e.journalFile, e.opts.JournalOffset, e.opts.JournalSize, e.opts.JournalBlockSize)
	if err != nil {
		return err
	}

	stable := make(map[storage.OidVersion]bool)
	for _, entry := range result.Entries {
		if entry.Kind == journal.EntryStable {
			for _, ov := range entry.Versions {
				stable[ov] = true
			}
		}
	}

	for _, entry := range result.Entries {
		ov := storage.OidVersion{Oid: entry.Oid, Version: entry.Version}
		switch entry.Kind {
		case journal.EntrySmallWrite:
			if stable[ov] {
				continue
			}
			bm := storage.NewBitmap(e.opts.BlockSize, e.opts.BitmapGranularity)
			bm.SetRange(entry.Offset, entry.Len, e.opts.BitmapGranularity)
			e.dirty.Insert(&storage.DirtyEntry{
				Oid:      entry.Oid,
				Version:  entry.Version,
				State:    storage.StateSynced,
				Location: storage.Location{IsBig: false, JournalOffset: entry.JournalDataOffset},
				Offset:   entry.Offset,
				Size:     entry.Len,
				Bitmap:   bm,
			})
			e.seedVersion(entry.Oid, entry.Version)
		case journal.EntryBigWrite:
			if stable[ov] {
				continue
			}
			e.alloc.MarkUsed(entry.DataBlock)
			e.dirty.Insert(&storage.DirtyEntry{
				Oid:      entry.Oid,
				Version:  entry.Version,
				State:    storage.StateSynced,
				Location: storage.Location{IsBig: true, DataBlock: entry.DataBlock},
				Offset:   0,
				Size:     e.opts.BlockSize,
				Bitmap:   entry.Bitmap,
			})
			e.seedVersion(entry.Oid, entry.Version)
		case journal.EntryDelete:
			if stable[ov] {
				continue
			}
			e.dirty.Insert(&storage.DirtyEntry{
				Oid:     entry.Oid,
				Version: entry.Version,
				State:   storage.StateDelSynced,
			})
			e.seedVersion(entry.Oid, entry.Version)
		case journal.EntryStart:
			// Skipped: replay takes no state from a START entry and
			// compares no instance id. The engine itself never writes
			// one; its instanceID stays in memory.
		}
	}

	e.journal.SetPointers(result.UsedStart, result.NextFree)
	return nil
}
