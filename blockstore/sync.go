package blockstore

import (
	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/journal"
	"github.com/mirrorll/vitastor/storage/ring"
)

// handleSync implements the group-sync barrier of §4.7: fsync the data
// device first (step 2), so that every big write's out-of-place payload
// is durable before anything vouches for it, append a BIG_WRITE entry for
// every big write that fsync just made durable (step 3), then flush and
// fsync the journal's active sector (step 1's write, issued last so it
// picks up those freshly-appended BIG_WRITE entries) before promoting
// every WRITTEN/DEL_WRITTEN dirty entry to SYNCED/DEL_SYNCED in one pass.
func (e *Engine) handleSync(op *storage.Op) {
	if e.opts.DisableDataFsync {
		e.retryPendingBigJournal()
		e.syncJournalSector(op)
		return
	}

	req := ring.Request{Kind: ring.KindFsync, File: e.dataFile}
	submitted := e.submitIO(req, func(eng *Engine, comp ring.Completion) {
		if comp.Err != nil {
			op.SetRetval(err_def.Errno(err_def.ErrShortIO))
			op.Callback(op, op.Retval())
			return
		}
		eng.retryPendingBigJournal()
		eng.syncJournalSector(op)
	})
	if !submitted {
		e.park(op, storage.WaitSQE)
	}
}

// syncJournalSector flushes and fsyncs the journal's active sector, the
// §4.7 step-1 write that makes every SMALL_WRITE/BIG_WRITE/DELETE entry
// queued so far durable.
func (e *Engine) syncJournalSector(op *storage.Op) {
	sector, diskOffset := e.journal.FlushActive()
	sector.Pin()

	req := ring.Request{
		Kind:   ring.KindWrite,
		File:   e.journalFile,
		Offset: e.journal.AbsoluteOffset(diskOffset),
		Buf:    sector.Data,
	}
	submitted := e.submitIO(req, func(eng *Engine, comp ring.Completion) {
		if comp.Err != nil {
			sector.Unpin()
			op.SetRetval(err_def.Errno(err_def.ErrShortIO))
			op.Callback(op, op.Retval())
			return
		}
		eng.fsyncJournal(op, sector)
	})
	if !submitted {
		sector.Unpin()
		e.park(op, storage.WaitSQE)
	}
}

func (e *Engine) fsyncJournal(op *storage.Op, sector *journal.SectorBuffer) {
	if e.opts.DisableJournalFsync {
		sector.Unpin()
		e.promoteWrittenToSynced()
		op.SetRetval(0)
		op.Callback(op, op.Retval())
		return
	}

	req := ring.Request{Kind: ring.KindFsync, File: e.journalFile}
	submitted := e.submitIO(req, func(eng *Engine, comp ring.Completion) {
		sector.Unpin()
		if comp.Err != nil {
			op.SetRetval(err_def.Errno(err_def.ErrShortIO))
			op.Callback(op, op.Retval())
			return
		}
		eng.promoteWrittenToSynced()
		op.SetRetval(0)
		op.Callback(op, op.Retval())
	})
	if !submitted {
		sector.Unpin()
		e.park(op, storage.WaitSQE)
	}
}

func (e *Engine) promoteWrittenToSynced() {
	for _, oid := range e.dirty.Oids() {
		nudged := false
		e.dirty.ForEachDescending(oid, func(de *storage.DirtyEntry) bool {
			switch de.State {
			case storage.StateWritten:
				de.State = storage.StateSynced
				nudged = true
			case storage.StateDelWritten:
				de.State = storage.StateDelSynced
				nudged = true
			}
			return true
		})
		if nudged {
			e.flusher.Nudge(oid)
		}
	}
}
