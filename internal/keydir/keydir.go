// Package keydir implements the in-memory key directory: an open-addressed
// hashtable mapping a key to its current on-disk location, backed by a
// sharded TLSF arena that owns the variable-length key bytes and per-key
// metadata ("KeyChunk" records per spec.md §3).
package keydir

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/tlsf"
)

const (
	// assocQty is the fixed associativity (K) of each slot group.
	assocQty = 8

	// NotStored is the ValueSize sentinel used while an entry's value is being
	// reconstructed and has not been fully accounted for yet.
	NotStored = 0xFFFFFFFF

	shardQty       = 16
	shardArenaSize = 8 << 20 // 8 MiB per shard, fixed; when a shard is exhausted InsertEntry reports failure

	defaultGroupCount = 1024 // 1024*8 = 8192 starting slot capacity
)

// KeyChunk is the in-memory descriptor of a single key, as returned by Find.
type KeyChunk struct {
	FileId       uint16
	FileOffset   uint32
	ValueSize    uint32
	TimestampSec uint32
	TTLSec       uint16
	CacheLoc     tlsf.Ptr
	Tombstone    bool
	Key          []byte
	Indexes      []datafile.KeyIndex
}

// OldKeyChunk is the previous version of an entry returned by InsertEntry on
// replace, used by the write path to update dead-byte and tag-index
// accounting.
type OldKeyChunk struct {
	Valid bool
	KeyChunk
}

// slot is one of the 8 entries in a group. tag is the upper 32 bits of the
// 64-bit key hash, used to short-circuit most non-matching probes without
// touching the shard arena.
type slot struct {
	tag      uint32
	shard    uint8
	occupied bool
	tomb     bool
	id       tlsf.Ptr
}

type table struct {
	groups [][assocQty]slot
}

func newTable(groupCount int) *table {
	return &table{groups: make([][assocQty]slot, groupCount)}
}

func (t *table) groupCount() int { return len(t.groups) }

// KeyDir is the concurrent key directory. A single RWMutex guards the slot
// tables, the resize cursor, and every shard's allocator (see DESIGN.md for
// why the shards do not carry their own locks); this keeps correctness
// tractable while preserving the externally observable open-addressing /
// incremental-resize contract.
type KeyDir struct {
	mu sync.RWMutex

	cur *table
	old *table // non-nil while a resize migration is in progress

	resizeCursor int // next group index in `old` to migrate

	count        int
	maxLoadPct   int

	shards [shardQty]*shard

	instrumentedProbeMax   uint64
	instrumentedProbeSum   uint64
	instrumentedFindCount  uint64
}

type shard struct {
	alloc *tlsf.Allocator
}

// New creates an empty KeyDir with room for roughly defaultGroupCount*8 keys
// before an incremental resize is triggered.
func New() *KeyDir {
	kd := &KeyDir{
		cur:        newTable(defaultGroupCount),
		maxLoadPct: 90,
	}
	for i := range kd.shards {
		kd.shards[i] = &shard{alloc: tlsf.New(shardArenaSize)}
	}
	return kd
}

// Reset discards every entry, as on (re)open.
func (kd *KeyDir) Reset() {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	kd.cur = newTable(defaultGroupCount)
	kd.old = nil
	kd.resizeCursor = 0
	kd.count = 0
	for i := range kd.shards {
		kd.shards[i].alloc.Reset()
	}
}

// Size returns the number of live (non-tombstoned) slots.
func (kd *KeyDir) Size() int {
	kd.mu.RLock()
	defer kd.mu.RUnlock()
	return kd.count
}

func hash64(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashKey exposes the KeyDir's key hash to other packages (the tag index
// uses it as a stable KeyId without needing to retain key bytes itself).
func HashKey(key []byte) uint64 {
	return hash64(key)
}

func hashTag(h uint64) uint32 { return uint32(h >> 32) }

func shardOf(h uint64) int { return int(h % shardQty) }

func groupIndex(h uint64, groupCount int) int {
	return int(h % uint64(groupCount))
}

// --- shard record codec ------------------------------------------------

// A shard record packs the fixed KeyChunk fields followed by the key bytes
// and packed KeyIndex pairs, as a single TLSF allocation.
const recordHeaderSize = 24

func encodeRecord(kc KeyChunk) []byte {
	buf := make([]byte, recordHeaderSize+len(kc.Key)+2*len(kc.Indexes))
	binary.LittleEndian.PutUint16(buf[0:2], kc.FileId)
	flags := uint8(0)
	if kc.Tombstone {
		flags = 1
	}
	buf[2] = flags
	buf[3] = uint8(len(kc.Indexes))
	binary.LittleEndian.PutUint32(buf[4:8], kc.FileOffset)
	binary.LittleEndian.PutUint32(buf[8:12], kc.ValueSize)
	binary.LittleEndian.PutUint32(buf[12:16], kc.TimestampSec)
	binary.LittleEndian.PutUint16(buf[16:18], kc.TTLSec)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(kc.Key)))
	binary.LittleEndian.PutUint32(buf[20:24], kc.CacheLoc)

	off := recordHeaderSize
	copy(buf[off:], kc.Key)
	off += len(kc.Key)
	for _, ix := range kc.Indexes {
		buf[off] = ix.StartIdx
		buf[off+1] = ix.Size
		off += 2
	}
	return buf
}

func decodeRecord(buf []byte) KeyChunk {
	kc := KeyChunk{
		FileId:       binary.LittleEndian.Uint16(buf[0:2]),
		Tombstone:    buf[2] != 0,
		FileOffset:   binary.LittleEndian.Uint32(buf[4:8]),
		ValueSize:    binary.LittleEndian.Uint32(buf[8:12]),
		TimestampSec: binary.LittleEndian.Uint32(buf[12:16]),
		TTLSec:       binary.LittleEndian.Uint16(buf[16:18]),
		CacheLoc:     binary.LittleEndian.Uint32(buf[20:24]),
	}
	keySize := binary.LittleEndian.Uint16(buf[18:20])
	indexQty := buf[3]
	off := recordHeaderSize
	kc.Key = append([]byte(nil), buf[off:off+int(keySize)]...)
	off += int(keySize)
	for i := uint8(0); i < indexQty; i++ {
		kc.Indexes = append(kc.Indexes, datafile.KeyIndex{StartIdx: buf[off], Size: buf[off+1]})
		off += 2
	}
	return kc
}

func recordKey(buf []byte) []byte {
	keySize := binary.LittleEndian.Uint16(buf[18:20])
	return buf[recordHeaderSize : recordHeaderSize+int(keySize)]
}

// putRecord stores kc in the shard's arena, freeing any previous allocation.
func (s *shard) putRecord(prev tlsf.Ptr, kc KeyChunk) tlsf.Ptr {
	if prev != tlsf.NilPtr {
		s.alloc.Free(prev)
	}
	encoded := encodeRecord(kc)
	p := s.alloc.Malloc(uint32(len(encoded)))
	if p == tlsf.NilPtr {
		return tlsf.NilPtr
	}
	copy(s.alloc.Payload(p), encoded)
	return p
}

// --- lookups -------------------------------------------------------------

// probeResult identifies a matching or first-available slot within a table.
type probeResult struct {
	found     bool
	groupIdx  int
	slotIdx   int
	probes    int
}

func (kd *KeyDir) probe(t *table, h uint64, key []byte) probeResult {
	tag := hashTag(h)
	groupCount := t.groupCount()
	idx := groupIndex(h, groupCount)
	probeIncr := 0
	probes := 0

	for probeIncr < groupCount {
		group := &t.groups[idx]
		stop := false
		for i := 0; i < assocQty; i++ {
			probes++
			s := &group[i]
			if !s.occupied {
				if !s.tomb {
					// a never-used slot bounds the probe sequence: any key
					// landing here would have been inserted no further along.
					stop = true
				}
				continue
			}
			if s.tag != tag {
				continue
			}
			record := kd.shards[s.shard].alloc.Payload(s.id)
			if string(recordKey(record)) == string(key) {
				return probeResult{found: true, groupIdx: idx, slotIdx: i, probes: probes}
			}
		}
		if stop {
			break
		}
		probeIncr++
		idx = (idx + probeIncr) % groupCount
	}
	return probeResult{found: false, probes: probes}
}

// findFreeOrTombstoned locates a slot in t to place a new entry for h: the
// first unoccupied slot (tombstoned or never used) along h's probe sequence.
func (kd *KeyDir) findFreeOrTombstoned(t *table, h uint64) (groupIdx, slotIdx int, ok bool) {
	groupCount := t.groupCount()
	idx := groupIndex(h, groupCount)
	probeIncr := 0

	for probeIncr < groupCount {
		group := &t.groups[idx]
		for i := 0; i < assocQty; i++ {
			if !group[i].occupied {
				return idx, i, true
			}
		}
		probeIncr++
		idx = (idx + probeIncr) % groupCount
	}
	return 0, 0, false
}

// Find looks up key, checking the new table first (per spec.md §4.C
// "Concurrent find checks new table first, then old") so writers that have
// already migrated a slot are seen consistently during a resize.
func (kd *KeyDir) Find(key []byte) (KeyChunk, bool) {
	h := hash64(key)

	kd.mu.RLock()
	defer kd.mu.RUnlock()

	res := kd.probe(kd.cur, h, key)
	kd.instrumentedFindCount++
	kd.instrumentedProbeSum += uint64(res.probes)
	if uint64(res.probes) > kd.instrumentedProbeMax {
		kd.instrumentedProbeMax = uint64(res.probes)
	}
	if res.found {
		s := &kd.cur.groups[res.groupIdx][res.slotIdx]
		record := kd.shards[s.shard].alloc.Payload(s.id)
		return decodeRecord(record), true
	}

	if kd.old != nil {
		res = kd.probe(kd.old, h, key)
		if res.found {
			s := &kd.old.groups[res.groupIdx][res.slotIdx]
			record := kd.shards[s.shard].alloc.Payload(s.id)
			return decodeRecord(record), true
		}
	}
	return KeyChunk{}, false
}

// InsertEntry inserts or replaces the entry for key, returning the previous
// chunk (if any) so callers can update dead-byte and tag-index accounting.
// New writes always land in the current ("new") table; a duplicate found in
// the old table during a resize is tombstoned there, per spec.md §4.C.
func (kd *KeyDir) InsertEntry(key []byte, newChunk KeyChunk) (OldKeyChunk, bool) {
	h := hash64(key)
	newChunk.Key = key

	kd.mu.Lock()
	defer kd.mu.Unlock()

	var old OldKeyChunk

	if kd.old != nil {
		if res := kd.probe(kd.old, h, key); res.found {
			s := &kd.old.groups[res.groupIdx][res.slotIdx]
			record := kd.shards[s.shard].alloc.Payload(s.id)
			old = OldKeyChunk{Valid: true, KeyChunk: decodeRecord(record)}
			kd.shards[s.shard].alloc.Free(s.id)
			s.tomb = true
			s.occupied = false
			kd.count--
		}
	}

	res := kd.probe(kd.cur, h, key)
	if res.found {
		s := &kd.cur.groups[res.groupIdx][res.slotIdx]
		shard := kd.shards[s.shard]
		record := shard.alloc.Payload(s.id)
		if !old.Valid {
			old = OldKeyChunk{Valid: true, KeyChunk: decodeRecord(record)}
		}
		newId := shard.putRecord(s.id, newChunk)
		if newId == tlsf.NilPtr {
			return old, false
		}
		s.id = newId
		return old, true
	}

	groupIdx, slotIdx, ok := kd.findFreeOrTombstoned(kd.cur, h)
	if !ok {
		return old, false
	}
	shardIdx := shardOf(h)
	shard := kd.shards[shardIdx]
	id := shard.putRecord(tlsf.NilPtr, newChunk)
	if id == tlsf.NilPtr {
		return old, false
	}

	s := &kd.cur.groups[groupIdx][slotIdx]
	*s = slot{tag: hashTag(h), shard: uint8(shardIdx), occupied: true, id: id}
	kd.count++

	kd.maybeBeginResize()
	return old, true
}

// Remove tombstones the slot for key (in both tables if a resize is in
// progress), freeing the key's shard-arena record immediately and leaving the
// slot free for reuse. It reports whether key was present.
func (kd *KeyDir) Remove(key []byte) bool {
	h := hash64(key)

	kd.mu.Lock()
	defer kd.mu.Unlock()

	found := false
	if res := kd.probe(kd.cur, h, key); res.found {
		s := &kd.cur.groups[res.groupIdx][res.slotIdx]
		kd.shards[s.shard].alloc.Free(s.id)
		s.tomb = true
		s.occupied = false
		kd.count--
		found = true
	}
	if kd.old != nil {
		if res := kd.probe(kd.old, h, key); res.found {
			s := &kd.old.groups[res.groupIdx][res.slotIdx]
			kd.shards[s.shard].alloc.Free(s.id)
			s.tomb = true
			s.occupied = false
			if !found {
				kd.count--
			}
			found = true
		}
	}
	return found
}

// UpdateCachedValueLocation patches only the CacheLoc field of an existing
// entry, used by the value cache after inserting or evicting a value.
func (kd *KeyDir) UpdateCachedValueLocation(key []byte, cacheLoc tlsf.Ptr) bool {
	h := hash64(key)

	kd.mu.Lock()
	defer kd.mu.Unlock()

	t := kd.cur
	res := kd.probe(t, h, key)
	if !res.found && kd.old != nil {
		t = kd.old
		res = kd.probe(t, h, key)
	}
	if !res.found {
		return false
	}
	s := &t.groups[res.groupIdx][res.slotIdx]
	shard := kd.shards[s.shard]
	record := append([]byte(nil), shard.alloc.Payload(s.id)...)
	kc := decodeRecord(record)
	kc.CacheLoc = cacheLoc
	newId := shard.putRecord(s.id, kc)
	if newId == tlsf.NilPtr {
		return false
	}
	s.id = newId
	return true
}

// UpdateMergedLocation patches the (fileId, fileOffset) of the entry for key
// if, and only if, it still points at (oldFileId, oldFileOffset) -- used by
// merge to redirect KeyDir entries to the freshly written files without
// clobbering a newer write that raced with the merge.
func (kd *KeyDir) UpdateMergedLocation(key []byte, oldFileId uint16, oldFileOffset uint32, newFileId uint16, newFileOffset uint32) bool {
	h := hash64(key)

	kd.mu.Lock()
	defer kd.mu.Unlock()

	res := kd.probe(kd.cur, h, key)
	if !res.found {
		return false
	}
	s := &kd.cur.groups[res.groupIdx][res.slotIdx]
	shard := kd.shards[s.shard]
	record := append([]byte(nil), shard.alloc.Payload(s.id)...)
	kc := decodeRecord(record)
	if kc.FileId != oldFileId || kc.FileOffset != oldFileOffset {
		return false
	}
	kc.FileId = newFileId
	kc.FileOffset = newFileOffset
	newId := shard.putRecord(s.id, kc)
	if newId == tlsf.NilPtr {
		return false
	}
	s.id = newId
	return true
}

// FindByHash resolves a key's own stable hash (as returned by HashKey) back
// to its original bytes. It is a linear scan over the slot tables rather
// than an indexed lookup: the tag index only ever learns a key's hash, never
// its bytes, so the query path needs this reverse direction on the
// (uncommon, not latency-critical) multi-tag AND-query path only.
func (kd *KeyDir) FindByHash(h uint64) ([]byte, bool) {
	tag := hashTag(h)

	kd.mu.RLock()
	defer kd.mu.RUnlock()

	if key, ok := findByHashInTable(kd, kd.cur, tag, h); ok {
		return key, true
	}
	if kd.old != nil {
		if key, ok := findByHashInTable(kd, kd.old, tag, h); ok {
			return key, true
		}
	}
	return nil, false
}

func findByHashInTable(kd *KeyDir, t *table, tag uint32, h uint64) ([]byte, bool) {
	for gi := range t.groups {
		group := &t.groups[gi]
		for i := 0; i < assocQty; i++ {
			s := &group[i]
			if !s.occupied || s.tag != tag {
				continue
			}
			record := kd.shards[s.shard].alloc.Payload(s.id)
			key := recordKey(record)
			if hash64(key) == h {
				return append([]byte(nil), key...), true
			}
		}
	}
	return nil, false
}

// ProbeStats returns KeyDir lookup instrumentation backing the P6 testable
// property (average/maximum probe length).
func (kd *KeyDir) ProbeStats() (avg float64, max uint64) {
	kd.mu.RLock()
	defer kd.mu.RUnlock()
	if kd.instrumentedFindCount == 0 {
		return 0, 0
	}
	return float64(kd.instrumentedProbeSum) / float64(kd.instrumentedFindCount), kd.instrumentedProbeMax
}

// --- incremental resize ---------------------------------------------------

func (kd *KeyDir) loadPercent() int {
	capacity := kd.cur.groupCount() * assocQty
	if capacity == 0 {
		return 0
	}
	return kd.count * 100 / capacity
}

// maybeBeginResize starts a double-capacity migration if the load factor
// exceeds the configured maximum. Caller must hold kd.mu.
func (kd *KeyDir) maybeBeginResize() {
	if kd.old != nil {
		return
	}
	if kd.loadPercent() < kd.maxLoadPct {
		return
	}
	kd.old = kd.cur
	kd.cur = newTable(kd.old.groupCount() * 2)
	kd.resizeCursor = 0
}

// AdvanceResize migrates up to batchSize groups from the old table into the
// current one, called periodically by the upkeep scheduler
// (upkeepKeyDirBatchSize worth of work per tick, expressed here in groups
// rather than individual slots for simplicity). It returns true while a
// resize remains in progress.
func (kd *KeyDir) AdvanceResize(batchSize int) bool {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	if kd.old == nil {
		return false
	}

	migrated := 0
	for kd.resizeCursor < kd.old.groupCount() && migrated < batchSize {
		group := &kd.old.groups[kd.resizeCursor]
		for i := range group {
			s := &group[i]
			if !s.occupied || s.tomb {
				continue
			}
			record := kd.shards[s.shard].alloc.Payload(s.id)
			key := append([]byte(nil), recordKey(record)...)
			h := hash64(key)

			if res := kd.probe(kd.cur, h, key); res.found {
				// a concurrent write already landed the live version in cur;
				// just drop the stale old-table copy.
				kd.shards[s.shard].alloc.Free(s.id)
				continue
			}
			groupIdx, slotIdx, ok := kd.findFreeOrTombstoned(kd.cur, h)
			if !ok {
				continue // target table exhausted; leave it for the next tick
			}
			kd.cur.groups[groupIdx][slotIdx] = slot{tag: s.tag, shard: s.shard, occupied: true, id: s.id}
		}
		kd.resizeCursor++
		migrated++
	}

	if kd.resizeCursor >= kd.old.groupCount() {
		kd.old = nil
		kd.resizeCursor = 0
		return false
	}
	return true
}

// IsResizing reports whether an incremental resize migration is in progress.
func (kd *KeyDir) IsResizing() bool {
	kd.mu.RLock()
	defer kd.mu.RUnlock()
	return kd.old != nil
}

// SetMaxLoadFactor configures the load percentage (1-100) above which
// InsertEntry triggers an incremental resize.
func (kd *KeyDir) SetMaxLoadFactor(pct int) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	kd.maxLoadPct = pct
}
