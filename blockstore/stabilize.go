package blockstore

import (
	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
)

// handleStabilize implements the client-driven durability acknowledgement
// of §4.8: for every (oid, version) the caller lists, mark the
// corresponding dirty entry STABLE if it has reached SYNCED, or report
// the first error among ErrUnknownVersion (no such entry and the clean
// index is already past it — a stale stabilize) and ErrNotSynced (the
// entry exists but hasn't reached SYNCED yet).
func (e *Engine) handleStabilize(op *storage.Op) {
	if len(op.Versions) == 0 {
		op.Callback(op, err_def.Errno(err_def.ErrEmptyStabilize))
		return
	}

	for _, ov := range op.Versions {
		de, ok := e.dirty.Get(ov.Oid, ov.Version)
		if !ok {
			if clean, hasClean := e.clean.Get(ov.Oid); hasClean && clean.Version >= ov.Version {
				continue // already folded into the clean index; trivially stable
			}
			op.SetRetval(err_def.Errno(err_def.ErrUnknownVersion))
			continue
		}
		switch de.State {
		case storage.StateSynced:
			de.State = storage.StateStable
		case storage.StateDelSynced:
			de.State = storage.StateDelStable
		case storage.StateStable, storage.StateDelStable:
			// already acknowledged
		default:
			op.SetRetval(err_def.Errno(err_def.ErrNotSynced))
		}
	}

	if !op.HasError() {
		op.SetRetval(0)
	}
	op.Callback(op, op.Retval())
}
