// Package index holds the two lookup structures spec §3 and §4.5 describe:
// the clean index (oid -> clean_entry) and the dirty index (ordered,
// per-oid chains of not-yet-stable writes). The clean index is sharded the
// way the teacher shards storage/index.MemIndexShard, and layers a bloom
// filter in front of each shard the way util.ShardedBloomFilter guards
// Bitcask lookups, to skip a swiss.Map probe for objects that were never
// written. The dirty index is not sharded: one RWMutex guards it.
package index

import (
	"hash/fnv"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/util"
)

const defaultShardCount = 16

// CleanIndex maps an Oid to its clean_entry (§3: "data_block, version,
// bitmap"). It is sharded by oid hash, each shard guarded by its own
// RWMutex and backed by a swiss.Map, mirroring the teacher's
// SwissIndex/MemIndexShard composition.
type CleanIndex struct {
	shards []*cleanShard
	mask   uint32
}

type cleanShard struct {
	mu     sync.RWMutex
	table  *swiss.Map[storage.Oid, storage.CleanEntry]
	absent *util.ShardedBloomFilter
}

// NewCleanIndex creates a clean index sized for roughly expectedObjects
// entries total, spread across shardCount shards (rounded up to a power
// of two, matching the teacher's shard-count convention).
func NewCleanIndex(shardCount int, expectedObjects uint64) *CleanIndex {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	n := nextPow2(uint32(shardCount))
	shards := make([]*cleanShard, n)
	perShard := expectedObjects/uint64(n) + 1
	for i := range shards {
		bf, err := util.NewShardedBloomFilter(util.BloomConfig{
			ExpectedElements:  perShard,
			FalsePositiveRate: 0.01,
			AutoScale:         true,
		})
		if err != nil {
			// A pathological expectedObjects=0 still yields a usable
			// (if oversized) filter; fall back to a small fixed size.
			bf, _ = util.NewShardedBloomFilter(util.BloomConfig{
				ExpectedElements:  1024,
				FalsePositiveRate: 0.01,
				AutoScale:         true,
			})
		}
		shards[i] = &cleanShard{
			table:  swiss.NewMap[storage.Oid, storage.CleanEntry](uint32(perShard)),
			absent: bf,
		}
	}
	return &CleanIndex{shards: shards, mask: n - 1}
}

func nextPow2(x uint32) uint32 {
	if x == 0 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}

func oidHash(oid storage.Oid) uint32 {
	h := fnv.New32a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(oid.Inode >> (8 * i))
		buf[8+i] = byte(oid.Stripe >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum32()
}

func (c *CleanIndex) shardFor(oid storage.Oid) *cleanShard {
	return c.shards[oidHash(oid)&c.mask]
}

func oidKey(oid storage.Oid) []byte {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(oid.Inode >> (8 * i))
		buf[8+i] = byte(oid.Stripe >> (8 * i))
	}
	return buf[:]
}

// Get returns the clean entry for oid, if any. The bloom filter lets a
// miss on an object that was never written skip the swiss.Map probe
// entirely.
func (c *CleanIndex) Get(oid storage.Oid) (storage.CleanEntry, bool) {
	s := c.shardFor(oid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.absent.Contains(oidKey(oid)) {
		return storage.CleanEntry{}, false
	}
	return s.table.Get(oid)
}

// Put installs or replaces oid's clean entry, called by the flusher once a
// write has been durably relocated into the data+metadata areas (§4.9).
func (c *CleanIndex) Put(oid storage.Oid, e storage.CleanEntry) {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Put(oid, e)
	s.absent.Add(oidKey(oid))
}

// Delete removes oid's clean entry entirely (object fully deleted and
// reclaimed).
func (c *CleanIndex) Delete(oid storage.Oid) {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Delete(oid)
}

// Len returns the total number of clean entries across all shards.
func (c *CleanIndex) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += s.table.Count()
		s.mu.RUnlock()
	}
	return total
}

// ForEach calls fn for every clean entry; fn returning false stops the
// iteration early. Only tests call it; recovery rebuilds the allocator
// from metadata.Area.Scan instead.
func (c *CleanIndex) ForEach(fn func(storage.Oid, storage.CleanEntry) bool) {
	for _, s := range c.shards {
		s.mu.RLock()
		stop := false
		s.table.Iter(func(oid storage.Oid, e storage.CleanEntry) bool {
			if !fn(oid, e) {
				stop = true
				return true
			}
			return false
		})
		s.mu.RUnlock()
		if stop {
			break
		}
	}
}
