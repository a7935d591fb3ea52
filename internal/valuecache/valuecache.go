// Package valuecache implements the multi-queue, scan-resistant value cache
// described in spec.md §4.D: values live in a TLSF arena, tagged with one of
// three queues (Cold, Warm, Protected); the hit fast path only flips a
// touched bit, and actual promotion/demotion/eviction bookkeeping happens in
// bounded batches driven by the upkeep scheduler.
package valuecache

import (
	"encoding/binary"
	"sync"

	"github.com/litecask-go/litecask/internal/tlsf"
)

// Queue identifies which of the three LRU queues an entry currently belongs to.
type Queue uint8

const (
	Cold Queue = iota
	Warm
	Protected
	queueCount
)

const (
	entryHeaderSize = 16

	// protectedMaxSharePercent bounds the Protected queue to roughly 40% of
	// total cached bytes; overflow demotes its LRU entry to Warm.
	protectedMaxSharePercent = 40

	// warmPromotionThreshold is how many touched-and-revisited cycles a Warm
	// entry needs before being promoted into Protected.
	warmPromotionThreshold = 2
)

type queueList struct {
	head, tail tlsf.Ptr
	bytes      uint64
	count      int
}

// Counters mirrors spec.md §4.D's observable value-cache counters.
type Counters struct {
	HitQty                 uint64
	MissQty                uint64
	InsertCallQty          uint64
	EvictedQty             uint64
	CurrentInCacheValueQty int64
}

// Cache is the value cache. It is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	alloc  *tlsf.Allocator
	queues [queueCount]queueList

	targetLoadPercent uint32

	counters Counters
}

// New creates a cache over a newly allocated arena of the given byte size.
func New(arenaSize uint32, targetLoadPercent uint32) *Cache {
	c := &Cache{
		alloc:             tlsf.New(arenaSize),
		targetLoadPercent: targetLoadPercent,
	}
	for i := range c.queues {
		c.queues[i] = queueList{head: tlsf.NilPtr, tail: tlsf.NilPtr}
	}
	return c
}

// Reset discards every cached value.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alloc.Reset()
	for i := range c.queues {
		c.queues[i] = queueList{head: tlsf.NilPtr, tail: tlsf.NilPtr}
	}
	c.counters = Counters{}
}

// Counters returns a snapshot of the cache's telemetry.
func (c *Cache) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// --- entry header access (inside the TLSF payload) --------------------

func (c *Cache) readEntryHeader(loc tlsf.Ptr) (prev, next tlsf.Ptr, valueSize uint32, queue Queue, touched bool, promoCount uint8) {
	buf := c.alloc.Payload(loc)
	prev = binary.LittleEndian.Uint32(buf[0:4])
	next = binary.LittleEndian.Uint32(buf[4:8])
	valueSize = binary.LittleEndian.Uint32(buf[8:12])
	queue = Queue(buf[12])
	touched = buf[13] != 0
	promoCount = buf[14]
	return
}

func (c *Cache) writeEntryHeader(loc tlsf.Ptr, prev, next tlsf.Ptr, valueSize uint32, queue Queue, touched bool, promoCount uint8) {
	buf := c.alloc.Payload(loc)
	binary.LittleEndian.PutUint32(buf[0:4], prev)
	binary.LittleEndian.PutUint32(buf[4:8], next)
	binary.LittleEndian.PutUint32(buf[8:12], valueSize)
	buf[12] = byte(queue)
	if touched {
		buf[13] = 1
	} else {
		buf[13] = 0
	}
	buf[14] = promoCount
}

func (c *Cache) valueBytes(loc tlsf.Ptr) []byte {
	_, _, valueSize, _, _, _ := c.readEntryHeader(loc)
	buf := c.alloc.Payload(loc)
	return buf[entryHeaderSize : entryHeaderSize+valueSize]
}

// --- intrusive queue list operations -----------------------------------

func (c *Cache) unlink(loc tlsf.Ptr) {
	prev, next, valueSize, queue, touched, promo := c.readEntryHeader(loc)
	_ = touched
	_ = promo
	q := &c.queues[queue]

	if prev != tlsf.NilPtr {
		pPrev, pNext, pSize, pQueue, pTouched, pPromo := c.readEntryHeader(prev)
		_ = pNext
		c.writeEntryHeader(prev, pPrev, next, pSize, pQueue, pTouched, pPromo)
	} else {
		q.head = next
	}
	if next != tlsf.NilPtr {
		nPrev, nNext, nSize, nQueue, nTouched, nPromo := c.readEntryHeader(next)
		_ = nPrev
		c.writeEntryHeader(next, prev, nNext, nSize, nQueue, nTouched, nPromo)
	} else {
		q.tail = prev
	}
	q.bytes -= uint64(entryHeaderSize + valueSize)
	q.count--
}

// insertMRU inserts loc at the MRU end (tail) of queue q.
func (c *Cache) insertMRU(queue Queue, loc tlsf.Ptr) {
	q := &c.queues[queue]
	_, _, valueSize, _, touched, promo := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, q.tail, tlsf.NilPtr, valueSize, queue, touched, promo)

	if q.tail != tlsf.NilPtr {
		tPrev, _, tSize, tQueue, tTouched, tPromo := c.readEntryHeader(q.tail)
		c.writeEntryHeader(q.tail, tPrev, loc, tSize, tQueue, tTouched, tPromo)
	} else {
		q.head = loc
	}
	q.tail = loc
	q.bytes += uint64(entryHeaderSize + valueSize)
	q.count++
}

func (c *Cache) moveTo(loc tlsf.Ptr, dest Queue) {
	c.unlink(loc)
	_, _, valueSize, _, touched, promo := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, tlsf.NilPtr, tlsf.NilPtr, valueSize, dest, touched, promo)
	c.insertMRU(dest, loc)
}

// --- public operations ---------------------------------------------------

// Insert stores value in the cache, entering at the MRU end of Cold. It
// evicts from Cold (then demotes from Warm if Cold is empty but full) until
// the allocation succeeds, skipping the insert entirely if value alone would
// not fit in the whole arena.
func (c *Cache) Insert(value []byte) (tlsf.Ptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.InsertCallQty++

	needed := uint64(entryHeaderSize + len(value))
	if needed > c.alloc.Capacity() {
		return tlsf.NilPtr, false
	}

	var loc tlsf.Ptr
	for {
		loc = c.alloc.Malloc(uint32(entryHeaderSize + len(value)))
		if loc != tlsf.NilPtr {
			break
		}
		if !c.evictOneLocked() {
			return tlsf.NilPtr, false
		}
	}

	buf := c.alloc.Payload(loc)
	copy(buf[entryHeaderSize:], value)
	c.writeEntryHeader(loc, tlsf.NilPtr, tlsf.NilPtr, uint32(len(value)), Cold, false, 0)
	c.insertMRU(Cold, loc)

	c.counters.CurrentInCacheValueQty++
	return loc, true
}

// Get returns a copy of the cached value at loc, stamping its touched bit.
// This is the hit fast path: a short critical section, no queue movement.
// hit is false whenever loc is tlsf.NilPtr (no cached value for this key).
func (c *Cache) Get(loc tlsf.Ptr) (value []byte, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loc == tlsf.NilPtr {
		c.counters.MissQty++
		return nil, false
	}
	c.counters.HitQty++

	prev, next, valueSize, queue, _, promo := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, prev, next, valueSize, queue, true, promo)

	v := c.valueBytes(loc)
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Remove frees the entry at loc, e.g. on key deletion or TTL expiry.
func (c *Cache) Remove(loc tlsf.Ptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(loc)
}

func (c *Cache) removeLocked(loc tlsf.Ptr) {
	if loc == tlsf.NilPtr {
		return
	}
	c.unlink(loc)
	c.alloc.Free(loc)
	c.counters.CurrentInCacheValueQty--
}

// evictOneLocked frees the single best eviction candidate, preferring Cold's
// LRU; if Cold is empty it demotes Warm's LRU into Cold first (making the
// demoted entry itself the next eviction candidate), matching spec.md's
// "Cold→evict, then Warm→Cold if Cold is empty" path. It returns false if
// there is nothing left to evict.
func (c *Cache) evictOneLocked() bool {
	if c.queues[Cold].head != tlsf.NilPtr {
		victim := c.queues[Cold].head
		c.removeLocked(victim)
		c.counters.EvictedQty++
		return true
	}
	if c.queues[Warm].head != tlsf.NilPtr {
		c.moveTo(c.queues[Warm].head, Cold)
		return c.evictOneLocked()
	}
	if c.queues[Protected].head != tlsf.NilPtr {
		c.moveTo(c.queues[Protected].head, Warm)
		return c.evictOneLocked()
	}
	return false
}

// MaintainBatch performs up to n units of background maintenance: promoting
// touched entries one tier up (Cold→Warm, Warm→Protected after
// warmPromotionThreshold revisits), and rebalancing Protected back down to
// Warm if it has grown past protectedMaxSharePercent of total cached bytes. Called
// periodically by the upkeep scheduler (upkeepValueCacheBatchSize per tick).
func (c *Cache) MaintainBatch(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	processed := 0
	loc := c.queues[Cold].head
	for loc != tlsf.NilPtr && processed < n {
		_, next, _, _, touched, _ := c.readEntryHeader(loc)
		if touched {
			c.clearTouched(loc)
			c.moveTo(loc, Warm)
		}
		loc = next
		processed++
	}

	loc = c.queues[Warm].head
	processed = 0
	for loc != tlsf.NilPtr && processed < n {
		_, next, _, _, touched, promo := c.readEntryHeader(loc)
		if touched {
			if promo+1 >= warmPromotionThreshold {
				c.clearTouchedAndPromo(loc)
				c.moveTo(loc, Protected)
			} else {
				c.bumpPromo(loc)
				c.clearTouched(loc)
				c.moveTo(loc, Warm) // intra-queue MRU bump
			}
		}
		loc = next
		processed++
	}

	c.rebalanceProtectedOverflow()
}

func (c *Cache) clearTouched(loc tlsf.Ptr) {
	prev, next, valueSize, queue, _, promo := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, prev, next, valueSize, queue, false, promo)
}

func (c *Cache) clearTouchedAndPromo(loc tlsf.Ptr) {
	prev, next, valueSize, queue, _, _ := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, prev, next, valueSize, queue, false, 0)
}

func (c *Cache) bumpPromo(loc tlsf.Ptr) {
	prev, next, valueSize, queue, touched, promo := c.readEntryHeader(loc)
	c.writeEntryHeader(loc, prev, next, valueSize, queue, touched, promo+1)
}

func (c *Cache) rebalanceProtectedOverflow() {
	total := c.queues[Cold].bytes + c.queues[Warm].bytes + c.queues[Protected].bytes
	if total == 0 {
		return
	}
	limit := total * protectedMaxSharePercent / 100
	for c.queues[Protected].bytes > limit && c.queues[Protected].head != tlsf.NilPtr {
		c.moveTo(c.queues[Protected].head, Warm)
	}
}

// PreventiveEvict frees entries (oldest across Cold, then Warm, then
// Protected) until the arena's live payload is back at or below
// targetLoadPercent of capacity, up to a bound of n entries per call.
// Invoked by upkeep when the cache is close to exhaustion, per spec.md's
// valueCacheTargetMemoryLoadPercentage.
func (c *Cache) PreventiveEvict(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.alloc.Capacity() * uint64(c.targetLoadPercent) / 100
	for i := 0; i < n && c.alloc.GetAllocatedBytes() > limit; i++ {
		if !c.evictOneLocked() {
			return
		}
	}
}

// QueueSizes reports the current (count, bytes) of each queue, for tests and telemetry.
func (c *Cache) QueueSizes() (cold, warm, protected struct{ Count int; Bytes uint64 }) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cold.Count, cold.Bytes = c.queues[Cold].count, c.queues[Cold].bytes
	warm.Count, warm.Bytes = c.queues[Warm].count, c.queues[Warm].bytes
	protected.Count, protected.Bytes = c.queues[Protected].count, c.queues[Protected].bytes
	return
}
