// Package cache holds the data block cache: recently merged block_size
// data blocks of the data area, kept warm so a flusher pass doesn't
// re-read the same block from disk on every read-modify-write. Adapted
// from the teacher's storage/cache LRUCache — same map-plus-container/list
// eviction shape, keyed by data block number instead of a Bitcask record
// key.
package cache

import (
	"container/list"
	"sync"
)

// BlockCache is a fixed-capacity LRU cache of raw data block contents.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint32]*list.Element
	order    *list.List
}

type blockEntry struct {
	block uint32
	data  []byte
	dirty bool
}

// New creates a block cache holding up to capacity blocks.
func New(capacity int) *BlockCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[uint32]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached bytes for block, promoting it to most-recently-used.
func (c *BlockCache) Get(block uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[block]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*blockEntry).data, true
}

// Put installs or replaces block's cached contents, evicting the least
// recently used clean block if the cache is full. A dirty block (one the
// flusher has written but not yet synced) is never evicted; the caller
// must mark it clean via MarkClean once its fsync completes, or eviction
// pressure has nowhere to send it and Put on a full all-dirty cache grows
// past capacity rather than losing data.
func (c *BlockCache) Put(block uint32, data []byte, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[block]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*blockEntry)
		e.data = data
		e.dirty = dirty
		return
	}

	newEl := c.order.PushFront(&blockEntry{block: block, data: data, dirty: dirty})
	c.items[block] = newEl

	if c.order.Len() <= c.capacity {
		return
	}
	for el := c.order.Back(); el != nil && el != newEl; el = el.Prev() {
		e := el.Value.(*blockEntry)
		if e.dirty {
			continue
		}
		c.order.Remove(el)
		delete(c.items, e.block)
		return
	}
}

// MarkClean clears the dirty flag on block once its fsync has completed,
// making it eligible for eviction again.
func (c *BlockCache) MarkClean(block uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[block]; ok {
		el.Value.(*blockEntry).dirty = false
	}
}

// Invalidate drops block from the cache unconditionally, used when the
// underlying region is about to be overwritten out from under the cache.
func (c *BlockCache) Invalidate(block uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[block]; ok {
		c.order.Remove(el)
		delete(c.items, block)
	}
}

// Len returns the number of blocks currently cached.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
