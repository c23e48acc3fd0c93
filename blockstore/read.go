package blockstore

import (
	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/storage/ring"
)

// handleRead serves a read from the newest overlay at or below
// op.Version (0 meaning "latest"), falling back to the clean entry for
// any byte range no dirty entry covers (§4.5). OpRead only considers
// overlays that have reached WRITTEN (durably somewhere, even if not yet
// synced); OpReadDirty additionally considers still-in-flight writes,
// for callers that accept reading speculative data.
func (e *Engine) handleRead(op *storage.Op) {
	if op.Offset > e.opts.BlockSize || op.Len > e.opts.BlockSize-op.Offset {
		op.Callback(op, err_def.Errno(err_def.ErrBadLength))
		return
	}
	if uint32(len(op.Buf)) < op.Len {
		op.Callback(op, err_def.Errno(err_def.ErrBadLength))
		return
	}

	minState := storage.StateWritten
	if op.Opcode == storage.OpReadDirty {
		minState = storage.StateInFlight
	}

	clean, hasClean := e.clean.Get(op.Oid)
	pendingReads := 0
	failed := false
	covered := make([]bool, op.Len)
	terminallyDeleted := false
	cleanIssued := false

	var finish func()
	finish = func() {
		if pendingReads != 0 {
			return
		}
		if !cleanIssued {
			cleanIssued = true
			if !terminallyDeleted && hasClean {
				for _, run := range uncoveredRuns(covered) {
					pendingReads++
					req := ring.Request{
						Kind:   ring.KindRead,
						File:   e.dataFile,
						Offset: int64(clean.DataBlock)*int64(e.opts.BlockSize) + int64(op.Offset+run.lo),
						Buf:    op.Buf[run.lo:run.hi],
					}
					if !e.submitIO(req, func(eng *Engine, comp ring.Completion) {
						if comp.Err != nil {
							failed = true
						}
						pendingReads--
						finish()
					}) {
						e.park(op, storage.WaitSQE)
						return
					}
				}
			}
		}
		if pendingReads != 0 {
			return
		}
		// Zero-fill any range neither a dirty overlay nor the clean entry
		// covered: an object with no data at all, or one whose coverage
		// ends at a delete, reads back as zeros rather than an error (§6).
		zeroUncovered(op.Buf, covered, terminallyDeleted || !hasClean)
		e.finishRead(op, failed)
	}

	var overlayErr error
	e.dirty.ForEachDescending(op.Oid, func(de *storage.DirtyEntry) bool {
		if op.Version != 0 && de.Version > op.Version {
			return true // too new for this read, keep looking further back
		}
		if !de.State.AtLeast(minState) && !de.State.IsDelete() {
			return true
		}
		if de.State.IsDelete() {
			terminallyDeleted = true
			return false // object was deleted at or before this version
		}
		lo, hi := overlapRange(op.Offset, op.Len, de.Offset, de.Size)
		if lo >= hi {
			return true
		}
		for i := lo; i < hi; i++ {
			covered[i-op.Offset] = true
		}
		if de.Location.IsBig {
			// The flusher hasn't relocated this version yet, but a big
			// write's payload already sits in its own out-of-place block.
			pendingReads++
			req := ring.Request{
				Kind:   ring.KindRead,
				File:   e.dataFile,
				Offset: int64(de.Location.DataBlock)*int64(e.opts.BlockSize) + int64(lo),
				Buf:    op.Buf[lo-op.Offset : hi-op.Offset],
			}
			if !e.submitIO(req, func(eng *Engine, comp ring.Completion) {
				if comp.Err != nil {
					failed = true
				}
				pendingReads--
				finish()
			}) {
				overlayErr = err_def.ErrShortIO
				return false
			}
		} else {
			pendingReads++
			journalOff := de.Location.JournalOffset + uint64(lo-de.Offset)
			req := ring.Request{
				Kind:   ring.KindRead,
				File:   e.journalFile,
				Offset: e.journal.AbsoluteOffset(journalOff),
				Buf:    op.Buf[lo-op.Offset : hi-op.Offset],
			}
			if !e.submitIO(req, func(eng *Engine, comp ring.Completion) {
				if comp.Err != nil {
					failed = true
				}
				pendingReads--
				finish()
			}) {
				overlayErr = err_def.ErrShortIO
				return false
			}
		}
		return true
	})

	if overlayErr != nil {
		e.park(op, storage.WaitSQE)
		return
	}
	finish()
}

func (e *Engine) finishRead(op *storage.Op, failed bool) {
	if failed {
		op.SetRetval(err_def.Errno(err_def.ErrShortIO))
	} else {
		op.SetRetval(int32(op.Len))
	}
	op.Callback(op, op.Retval())
}

// overlapRange intersects [aOff, aOff+aLen) with [bOff, bOff+bLen),
// returning an empty (lo >= hi) range when they don't overlap.
func overlapRange(aOff, aLen, bOff, bLen uint32) (lo, hi uint32) {
	lo = aOff
	if bOff > lo {
		lo = bOff
	}
	hi = aOff + aLen
	if bOff+bLen < hi {
		hi = bOff + bLen
	}
	return lo, hi
}

// byteRun is a [lo, hi) range of buffer-relative indices.
type byteRun struct{ lo, hi uint32 }

// uncoveredRuns returns the maximal runs of covered[i] == false.
func uncoveredRuns(covered []bool) []byteRun {
	var runs []byteRun
	i := 0
	for i < len(covered) {
		if covered[i] {
			i++
			continue
		}
		start := i
		for i < len(covered) && !covered[i] {
			i++
		}
		runs = append(runs, byteRun{lo: uint32(start), hi: uint32(i)})
	}
	return runs
}

// zeroUncovered zeros every byte of buf whose index is still uncovered.
// When zeroAll is set (no clean entry to fall back to, or the object was
// deleted), every uncovered byte is zeroed; otherwise the clean-entry read
// issued in handleRead already filled those ranges.
func zeroUncovered(buf []byte, covered []bool, zeroAll bool) {
	if !zeroAll {
		return
	}
	for _, run := range uncoveredRuns(covered) {
		for i := run.lo; i < run.hi; i++ {
			buf[i] = 0
		}
	}
}
