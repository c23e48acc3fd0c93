package blockstore

import (
	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/journal"
	"github.com/mirrorll/vitastor/storage/ring"
)

// handleWrite drives a write through ADMIT -> SLICE -> SMALL|BIG ->
// JOURNAL_WRITE -> ACK (§4.6). A write spanning the whole block goes
// straight to a freshly allocated data-area block (BIG) when
// immediate_commit is not "none"; every other write, including a
// whole-block write under immediate_commit=none, is staged inline in the
// journal (SMALL) and relocated later by the flusher.
func (e *Engine) handleWrite(op *storage.Op) {
	if op.Offset > e.opts.BlockSize || op.Len > e.opts.BlockSize-op.Offset {
		op.Callback(op, err_def.Errno(err_def.ErrBadLength))
		return
	}
	if e.opts.Readonly {
		op.Callback(op, err_def.Errno(err_def.ErrReadOnly))
		return
	}
	if uint32(len(op.Buf)) < op.Len {
		op.Callback(op, err_def.Errno(err_def.ErrBadLength))
		return
	}

	if op.Version == 0 {
		op.Version = e.nextVersionFor(op.Oid)
	}

	if op.Offset == 0 && op.Len == e.opts.BlockSize && e.opts.ImmediateCommit != storage.ImmediateNone {
		e.admitBigWrite(op)
		return
	}
	e.admitSmallWrite(op)
}

// bigWriteJournalWait is a big write whose data-area I/O has completed but
// whose BIG_WRITE journal entry couldn't be reserved yet (journal full or
// every sector buffer pinned). It is retried from retryPendingBigJournal
// rather than re-admitted through admitBigWrite, which would re-allocate
// and re-submit the data write from scratch.
type bigWriteJournalWait struct {
	op *storage.Op
	de *storage.DirtyEntry
}

// admitBigWrite allocates a fresh data block and submits the whole-block
// write out of place. Only once that data write completes is the
// BIG_WRITE journal entry that vouches for it recorded (§4.3: "the data
// area write is submitted first; only later is a BIG_WRITE entry
// recorded"; §4.6: "submit a data-area write; on completion, enqueue a
// BIG_WRITE journal entry") — recording the entry first would let a
// journal fsync make durable a pointer to a data block that was never
// actually written, should the process crash between the two.
func (e *Engine) admitBigWrite(op *storage.Op) {
	block, ok := e.alloc.Alloc()
	if !ok {
		e.park(op, storage.WaitFree)
		return
	}

	bm := storage.NewBitmap(e.opts.BlockSize, e.opts.BitmapGranularity)
	bm.SetRange(0, e.opts.BlockSize, e.opts.BitmapGranularity)

	de := &storage.DirtyEntry{
		Oid:      op.Oid,
		Version:  op.Version,
		State:    storage.StateSubmitted,
		Location: storage.Location{IsBig: true, DataBlock: block},
		Offset:   0,
		Size:     e.opts.BlockSize,
		Bitmap:   bm,
	}
	e.dirty.Insert(de)

	req := ring.Request{Kind: ring.KindWrite, File: e.dataFile, Offset: int64(block) * int64(e.opts.BlockSize), Buf: op.Buf}
	submitted := e.submitIO(req, func(eng *Engine, comp ring.Completion) {
		eng.completeBigWriteData(op, de, comp)
	})
	if !submitted {
		e.dirty.Remove(de.Oid, de.Version)
		e.alloc.Free(block)
		e.park(op, storage.WaitSQE)
	}
}

// completeBigWriteData runs once the out-of-place data write lands; only
// now is it safe to let a BIG_WRITE journal entry reference the block.
func (e *Engine) completeBigWriteData(op *storage.Op, de *storage.DirtyEntry, comp ring.Completion) {
	if comp.Err != nil {
		op.SetRetval(err_def.Errno(err_def.ErrShortIO))
		op.Callback(op, op.Retval())
		return
	}
	if !e.journalizeBigWrite(op, de) {
		e.pendingBigJournal = append(e.pendingBigJournal, &bigWriteJournalWait{op: op, de: de})
	}
}

// journalizeBigWrite reserves and writes the BIG_WRITE journal entry for a
// big write whose data is already durable on the data device. It returns
// false (leaving de and op untouched) when the journal has no room or
// every sector buffer is pinned; the caller is responsible for retrying.
func (e *Engine) journalizeBigWrite(op *storage.Op, de *storage.DirtyEntry) bool {
	entry := journal.Entry{
		Kind:      journal.EntryBigWrite,
		Oid:       de.Oid,
		Version:   de.Version,
		DataBlock: de.Location.DataBlock,
		Bitmap:    de.Bitmap,
	}
	encoded := journal.EncodeEntry(entry)
	region, diskOffset, waitJournal, waitBuffer, ok := e.journal.Reserve(uint32(len(encoded)))
	if waitJournal || waitBuffer || !ok {
		return false
	}
	copy(region, encoded)

	de.JournalRecordOffset = diskOffset
	de.HasJournalRecord = true
	de.State = storage.StateWritten
	e.completeAck(op, de)
	return true
}

// retryPendingBigJournal re-attempts journalizeBigWrite for every big write
// still waiting on journal space, called whenever journal room might have
// opened up (a completion frees a sector, or a sync just fsynced the data
// device those entries' BIG_WRITE records are about to vouch for).
func (e *Engine) retryPendingBigJournal() {
	if len(e.pendingBigJournal) == 0 {
		return
	}
	still := e.pendingBigJournal[:0]
	for _, w := range e.pendingBigJournal {
		if !e.journalizeBigWrite(w.op, w.de) {
			still = append(still, w)
		}
	}
	e.pendingBigJournal = still
}

// admitSmallWrite stages op's payload inline in the journal sector next to
// its SMALL_WRITE entry; the flusher relocates it into the data area once
// it reaches SYNCED.
func (e *Engine) admitSmallWrite(op *storage.Op) {
	entryLen := smallWriteEntryLen()
	total := entryLen + int(op.Len)

	region, diskOffset, waitJournal, waitBuffer, ok := e.journal.Reserve(uint32(total))
	if waitJournal {
		e.park(op, storage.WaitJournal)
		return
	}
	if waitBuffer || !ok {
		e.park(op, storage.WaitJournalBuffer)
		return
	}

	dataOffset := diskOffset + uint64(entryLen)
	copy(region[entryLen:], op.Buf[:op.Len])

	bm := storage.NewBitmap(e.opts.BlockSize, e.opts.BitmapGranularity)
	bm.SetRange(op.Offset, op.Len, e.opts.BitmapGranularity)

	entry := journal.Entry{
		Kind:              journal.EntrySmallWrite,
		Oid:               op.Oid,
		Version:           op.Version,
		Offset:            op.Offset,
		Len:               op.Len,
		JournalDataOffset: dataOffset,
		DataCrc32:         journal.Crc32(op.Buf[:op.Len]),
	}
	encoded := journal.EncodeEntry(entry)
	copy(region[:entryLen], encoded)

	de := &storage.DirtyEntry{
		Oid:                 op.Oid,
		Version:             op.Version,
		State:               storage.StateWritten,
		Location:            storage.Location{IsBig: false, JournalOffset: dataOffset},
		Offset:              op.Offset,
		Size:                op.Len,
		Bitmap:              bm,
		JournalRecordOffset: diskOffset,
		HasJournalRecord:    true,
	}
	e.dirty.Insert(de)
	e.completeAck(op, de)
}

// smallWriteEntryLen is the fixed encoded size of a SMALL_WRITE entry
// (length prefix + kind + oid/version + offset + len + journal data
// offset + crc32), independent of the field values it carries.
func smallWriteEntryLen() int {
	probe := journal.EncodeEntry(journal.Entry{Kind: journal.EntrySmallWrite})
	return len(probe)
}

// completeAck fires the client callback once a write has a durable
// location (journal or data area) — ACK per §4.6, ahead of SYNCED/STABLE
// unless immediate_commit demands otherwise.
func (e *Engine) completeAck(op *storage.Op, de *storage.DirtyEntry) {
	if e.opts.ImmediateCommit == storage.ImmediateAll ||
		(e.opts.ImmediateCommit == storage.ImmediateSmall && !de.Location.IsBig) {
		de.State = storage.StateSynced
		e.flusher.Nudge(op.Oid)
	}
	op.SetRetval(int32(op.Len))
	op.Callback(op, op.Retval())
}

// handleDelete admits a delete the same way as a write with no payload:
// it stages a DELETE journal entry and a DEL_* dirty entry, which the
// flusher resolves by freeing the object's data block.
func (e *Engine) handleDelete(op *storage.Op) {
	if e.opts.Readonly {
		op.Callback(op, err_def.Errno(err_def.ErrReadOnly))
		return
	}
	if op.Version == 0 {
		op.Version = e.nextVersionFor(op.Oid)
	}

	entry := journal.Entry{Kind: journal.EntryDelete, Oid: op.Oid, Version: op.Version}
	encoded := journal.EncodeEntry(entry)
	region, diskOffset, waitJournal, waitBuffer, ok := e.journal.Reserve(uint32(len(encoded)))
	if waitJournal {
		e.park(op, storage.WaitJournal)
		return
	}
	if waitBuffer || !ok {
		e.park(op, storage.WaitJournalBuffer)
		return
	}
	copy(region, encoded)

	de := &storage.DirtyEntry{
		Oid:                 op.Oid,
		Version:             op.Version,
		State:               storage.StateDelWritten,
		JournalRecordOffset: diskOffset,
		HasJournalRecord:    true,
	}
	e.dirty.Insert(de)

	if e.opts.ImmediateCommit != storage.ImmediateNone {
		de.State = storage.StateDelSynced
		e.flusher.Nudge(op.Oid)
	}
	op.SetRetval(0)
	op.Callback(op, op.Retval())
}
