// Package tagindex implements the secondary tag index described in
// spec.md §4.E: an in-memory map from a tag's hash to the set of keys
// carrying that tag, supporting AND-query intersection across multiple
// tags. Removed/overwritten keys are marked rather than compacted
// immediately; compaction happens in bounded batches driven by the upkeep
// scheduler, mirroring the lazy-cleaning approach of the KeyDir's shard
// arenas and data-file merge.
package tagindex

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyId identifies a key for index-membership purposes. Callers pass the
// same 64-bit key hash the KeyDir uses internally, so the tag index never
// needs to retain a copy of the key bytes themselves.
type KeyId = uint64

// TagHash hashes a raw tag value to its index bucket key.
func TagHash(tag []byte) uint32 {
	return uint32(xxhash.Sum64(tag) >> 32)
}

type entry struct {
	keyId KeyId
	dead  bool
}

// Counters mirrors the subset of spec.md §4.E's counters the tag index
// itself is responsible for; IndexArrayCleaningQty/IndexArrayCleanedEntries
// are folded into the datastore's overall counters by the caller.
type Counters struct {
	IndexArrayCleaningQty    uint64
	IndexArrayCleanedEntries uint64
}

// TagIndex is the secondary tag index. Safe for concurrent use.
type TagIndex struct {
	mu sync.RWMutex

	byTag map[uint32][]entry

	counters Counters

	// cleanCursor round-robins CleanBatch across buckets so repeated bounded
	// calls eventually sweep the whole index.
	cleanCursor []uint32
	cursorPos   int
}

// New creates an empty tag index.
func New() *TagIndex {
	return &TagIndex{byTag: make(map[uint32][]entry)}
}

// Reset discards every tag association, as on (re)open.
func (ti *TagIndex) Reset() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.byTag = make(map[uint32][]entry)
	ti.counters = Counters{}
	ti.cleanCursor = nil
	ti.cursorPos = 0
}

// Add associates keyId with tag. Called on Put for each index value attached
// to the record.
func (ti *TagIndex) Add(tag []byte, keyId KeyId) {
	h := TagHash(tag)
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.byTag[h] = append(ti.byTag[h], entry{keyId: keyId})
}

// Remove lazily marks keyId's association with tag as dead; the slot is
// reclaimed later by CleanBatch. Called on Remove/overwrite of a record that
// carried tag.
func (ti *TagIndex) Remove(tag []byte, keyId KeyId) {
	h := TagHash(tag)
	ti.mu.Lock()
	defer ti.mu.Unlock()
	list, ok := ti.byTag[h]
	if !ok {
		return
	}
	for i := range list {
		if list[i].keyId == keyId && !list[i].dead {
			list[i].dead = true
			return
		}
	}
}

// Count returns the number of live associations under tag, for tests and telemetry.
func (ti *TagIndex) Count(tag []byte) int {
	h := TagHash(tag)
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	n := 0
	for _, e := range ti.byTag[h] {
		if !e.dead {
			n++
		}
	}
	return n
}

// Query returns the set of KeyIds carrying every tag in tags (logical AND),
// excluding dead associations. It intersects starting from the
// shortest-lived list first, per spec.md §4.E, to minimize comparison work.
func (ti *TagIndex) Query(tags [][]byte) []KeyId {
	if len(tags) == 0 {
		return nil
	}

	ti.mu.RLock()
	defer ti.mu.RUnlock()

	lists := make([][]KeyId, len(tags))
	for i, tag := range tags {
		h := TagHash(tag)
		live := make([]KeyId, 0, len(ti.byTag[h]))
		for _, e := range ti.byTag[h] {
			if !e.dead {
				live = append(live, e.keyId)
			}
		}
		sort.Slice(live, func(a, b int) bool { return live[a] < live[b] })
		lists[i] = live
	}

	sort.Slice(lists, func(a, b int) bool { return len(lists[a]) < len(lists[b]) })

	result := lists[0]
	for _, next := range lists[1:] {
		result = intersectSorted(result, next)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

func intersectSorted(a, b []KeyId) []KeyId {
	out := make([]KeyId, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CleanBatch walks up to n buckets, compacting out dead entries. It is
// intended to be called periodically by the upkeep scheduler
// (upkeepValueCacheBatchSize buckets per tick) so a burst of removals never
// forces an unbounded pause.
func (ti *TagIndex) CleanBatch(n int) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.cleanCursor == nil || ti.cursorPos >= len(ti.cleanCursor) {
		ti.cleanCursor = ti.cleanCursor[:0]
		for h := range ti.byTag {
			ti.cleanCursor = append(ti.cleanCursor, h)
		}
		ti.cursorPos = 0
	}

	processed := 0
	for ti.cursorPos < len(ti.cleanCursor) && processed < n {
		h := ti.cleanCursor[ti.cursorPos]
		ti.cursorPos++
		processed++

		list := ti.byTag[h]
		if len(list) == 0 {
			continue
		}
		kept := list[:0]
		cleaned := 0
		for _, e := range list {
			if e.dead {
				cleaned++
				continue
			}
			kept = append(kept, e)
		}
		if cleaned == 0 {
			continue
		}
		ti.counters.IndexArrayCleaningQty++
		ti.counters.IndexArrayCleanedEntries += uint64(cleaned)
		if len(kept) == 0 {
			delete(ti.byTag, h)
		} else {
			ti.byTag[h] = kept
		}
	}
}

// Counters returns a snapshot of the tag index's own telemetry.
func (ti *TagIndex) Counters() Counters {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.counters
}
