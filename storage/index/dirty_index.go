package index

import (
	"container/list"
	"sync"

	"github.com/mirrorll/vitastor/storage"
)

// DirtyIndex holds, per oid, the ordered chain of versions not yet folded
// into the clean index (§3: "dirty index maps (oid, version) to a dirty
// entry; per-oid entries are kept in version order"). It reuses the
// teacher's cache.LRUCache container/list idiom — a map to *list.Element
// plus a doubly-linked list — but orders each oid's list by version
// instead of recency, since the chain here models write history rather
// than an eviction policy.
type DirtyIndex struct {
	mu    sync.RWMutex
	byOid map[storage.Oid]*list.List
	elems map[storage.OidVersion]*list.Element
}

// NewDirtyIndex creates an empty dirty index.
func NewDirtyIndex() *DirtyIndex {
	return &DirtyIndex{
		byOid: make(map[storage.Oid]*list.List),
		elems: make(map[storage.OidVersion]*list.Element),
	}
}

// Insert adds or replaces the dirty entry for (e.Oid, e.Version), keeping
// each oid's chain sorted ascending by version. Versions are assigned
// monotonically by the engine's admit path, so the common case is a
// PushBack; recovery replay is the only caller that may insert
// out-of-order, so Insert still does a short reverse scan to find the
// right spot.
func (d *DirtyIndex) Insert(e *storage.DirtyEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := storage.OidVersion{Oid: e.Oid, Version: e.Version}
	if existing, ok := d.elems[key]; ok {
		existing.Value = e
		return
	}

	chain, ok := d.byOid[e.Oid]
	if !ok {
		chain = list.New()
		d.byOid[e.Oid] = chain
	}

	back := chain.Back()
	if back == nil || back.Value.(*storage.DirtyEntry).Version < e.Version {
		d.elems[key] = chain.PushBack(e)
		return
	}
	for el := chain.Back(); el != nil; el = el.Prev() {
		if el.Value.(*storage.DirtyEntry).Version < e.Version {
			d.elems[key] = chain.InsertAfter(e, el)
			return
		}
	}
	d.elems[key] = chain.PushFront(e)
}

// Get returns the dirty entry for (oid, version), if any.
func (d *DirtyIndex) Get(oid storage.Oid, version storage.Version) (*storage.DirtyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	el, ok := d.elems[storage.OidVersion{Oid: oid, Version: version}]
	if !ok {
		return nil, false
	}
	return el.Value.(*storage.DirtyEntry), true
}

// Latest returns the highest-versioned dirty entry for oid, the one the
// read path consults first (§4.5: "reads start from the newest dirty
// version and fall back toward the clean entry").
func (d *DirtyIndex) Latest(oid storage.Oid) (*storage.DirtyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	chain, ok := d.byOid[oid]
	if !ok || chain.Len() == 0 {
		return nil, false
	}
	return chain.Back().Value.(*storage.DirtyEntry), true
}

// ForEachDescending walks oid's dirty chain from newest to oldest,
// stopping early if fn returns false — the traversal order the read path
// needs to find the first entry at or below a requested version.
func (d *DirtyIndex) ForEachDescending(oid storage.Oid, fn func(*storage.DirtyEntry) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	chain, ok := d.byOid[oid]
	if !ok {
		return
	}
	for el := chain.Back(); el != nil; el = el.Prev() {
		if !fn(el.Value.(*storage.DirtyEntry)) {
			return
		}
	}
}

// Remove drops a single (oid, version) entry once the flusher has folded
// it into the clean index and no op still references it.
func (d *DirtyIndex) Remove(oid storage.Oid, version storage.Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := storage.OidVersion{Oid: oid, Version: version}
	el, ok := d.elems[key]
	if !ok {
		return
	}
	chain := d.byOid[oid]
	chain.Remove(el)
	delete(d.elems, key)
	if chain.Len() == 0 {
		delete(d.byOid, oid)
	}
}

// RemoveUpTo drops every dirty entry for oid with version <= upTo, used
// when the flusher advances the clean index past a run of superseded
// versions in one pass.
func (d *DirtyIndex) RemoveUpTo(oid storage.Oid, upTo storage.Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chain, ok := d.byOid[oid]
	if !ok {
		return
	}
	var next *list.Element
	for el := chain.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*storage.DirtyEntry)
		if e.Version > upTo {
			break
		}
		chain.Remove(el)
		delete(d.elems, storage.OidVersion{Oid: oid, Version: e.Version})
	}
	if chain.Len() == 0 {
		delete(d.byOid, oid)
	}
}

// Oids returns every oid currently holding at least one dirty entry, used
// by the engine to pick the oids it nudges the flusher with.
func (d *DirtyIndex) Oids() []storage.Oid {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]storage.Oid, 0, len(d.byOid))
	for oid := range d.byOid {
		out = append(out, oid)
	}
	return out
}

// Len returns the total number of dirty entries across all oids.
func (d *DirtyIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.elems)
}

// JournalRecordOffsets returns the JournalRecordOffset of every dirty entry
// that has one, across every oid. The journal's used_start may never
// advance past the smallest (in ring-distance-from-used_start terms) of
// these, since each still names a journal entry no STABLE record has
// superseded yet (§3).
func (d *DirtyIndex) JournalRecordOffsets() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, 0, len(d.elems))
	for _, el := range d.elems {
		e := el.Value.(*storage.DirtyEntry)
		if e.HasJournalRecord {
			out = append(out, e.JournalRecordOffset)
		}
	}
	return out
}
