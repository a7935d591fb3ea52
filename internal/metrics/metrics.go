// Package metrics holds the atomic counter types shared between the root
// Datastore façade and the internal write/read/scheduler packages, so those
// internal packages can update telemetry directly without importing the
// root package (which would create an import cycle).
package metrics

import "go.uber.org/atomic"

// DatastoreCounters exposes the lifetime, call, and maintenance counters of a
// Datastore. Every field is updated atomically and is safe to snapshot
// concurrently with any public operation.
type DatastoreCounters struct {
	OpenCallQty       atomic.Uint64
	OpenCallFailedQty atomic.Uint64

	CloseCallQty       atomic.Uint64
	CloseCallFailedQty atomic.Uint64

	PutCallQty       atomic.Uint64
	PutCallFailedQty atomic.Uint64

	RemoveCallQty         atomic.Uint64
	RemoveCallNotFoundQty atomic.Uint64
	RemoveCallFailedQty   atomic.Uint64

	GetCallQty           atomic.Uint64
	GetCallNotFoundQty   atomic.Uint64
	GetCallCorruptedQty  atomic.Uint64
	GetCallFailedQty     atomic.Uint64
	GetWriteBufferHitQty atomic.Uint64
	GetCacheHitQty       atomic.Uint64

	QueryCallQty       atomic.Uint64
	QueryCallFailedQty atomic.Uint64

	DataFileCreationQty     atomic.Uint64
	DataFileMaxQty          atomic.Uint64
	ActiveDataFileSwitchQty atomic.Uint64

	IndexArrayCleaningQty    atomic.Uint64
	IndexArrayCleanedEntries atomic.Uint64

	MergeCycleQty          atomic.Uint64
	MergeCycleWithMergeQty atomic.Uint64
	MergeGainedDataFileQty atomic.Uint64
	MergeGainedBytes       atomic.Uint64
	HintFileCreatedQty     atomic.Uint64
}

// ValueCacheCounters exposes value-cache-specific telemetry.
type ValueCacheCounters struct {
	InsertCallQty          atomic.Uint64
	GetCallQty             atomic.Uint64
	RemoveCallQty          atomic.Uint64
	CurrentInCacheValueQty atomic.Int64
	HitQty                 atomic.Uint64
	MissQty                atomic.Uint64
	EvictedQty             atomic.Uint64
}

// DataFileStats summarises the data-file population observed at a point in time.
type DataFileStats struct {
	FileQty     uint64
	Entries     uint64
	EntryBytes  uint64
	TombBytes   uint64
	TombEntries uint64
	DeadBytes   uint64
	DeadEntries uint64
}

// DatastoreCountersSnapshot is a point-in-time copy of DatastoreCounters,
// taken field-by-field through Load() rather than a struct copy, so a caller
// can hold and read it without racing the atomic.Uint64 writers the live
// DatastoreCounters is shared with.
type DatastoreCountersSnapshot struct {
	OpenCallQty       uint64
	OpenCallFailedQty uint64

	CloseCallQty       uint64
	CloseCallFailedQty uint64

	PutCallQty       uint64
	PutCallFailedQty uint64

	RemoveCallQty         uint64
	RemoveCallNotFoundQty uint64
	RemoveCallFailedQty   uint64

	GetCallQty           uint64
	GetCallNotFoundQty   uint64
	GetCallCorruptedQty  uint64
	GetCallFailedQty     uint64
	GetWriteBufferHitQty uint64
	GetCacheHitQty       uint64

	QueryCallQty       uint64
	QueryCallFailedQty uint64

	DataFileCreationQty     uint64
	DataFileMaxQty          uint64
	ActiveDataFileSwitchQty uint64

	IndexArrayCleaningQty    uint64
	IndexArrayCleanedEntries uint64

	MergeCycleQty          uint64
	MergeCycleWithMergeQty uint64
	MergeGainedDataFileQty uint64
	MergeGainedBytes       uint64
	HintFileCreatedQty     uint64
}

// Snapshot copies every counter's current value into a plain struct, reading
// each field through Load() instead of copying the atomic.Uint64 fields
// themselves.
func (c *DatastoreCounters) Snapshot() DatastoreCountersSnapshot {
	return DatastoreCountersSnapshot{
		OpenCallQty:       c.OpenCallQty.Load(),
		OpenCallFailedQty: c.OpenCallFailedQty.Load(),

		CloseCallQty:       c.CloseCallQty.Load(),
		CloseCallFailedQty: c.CloseCallFailedQty.Load(),

		PutCallQty:       c.PutCallQty.Load(),
		PutCallFailedQty: c.PutCallFailedQty.Load(),

		RemoveCallQty:         c.RemoveCallQty.Load(),
		RemoveCallNotFoundQty: c.RemoveCallNotFoundQty.Load(),
		RemoveCallFailedQty:   c.RemoveCallFailedQty.Load(),

		GetCallQty:           c.GetCallQty.Load(),
		GetCallNotFoundQty:   c.GetCallNotFoundQty.Load(),
		GetCallCorruptedQty:  c.GetCallCorruptedQty.Load(),
		GetCallFailedQty:     c.GetCallFailedQty.Load(),
		GetWriteBufferHitQty: c.GetWriteBufferHitQty.Load(),
		GetCacheHitQty:       c.GetCacheHitQty.Load(),

		QueryCallQty:       c.QueryCallQty.Load(),
		QueryCallFailedQty: c.QueryCallFailedQty.Load(),

		DataFileCreationQty:     c.DataFileCreationQty.Load(),
		DataFileMaxQty:          c.DataFileMaxQty.Load(),
		ActiveDataFileSwitchQty: c.ActiveDataFileSwitchQty.Load(),

		IndexArrayCleaningQty:    c.IndexArrayCleaningQty.Load(),
		IndexArrayCleanedEntries: c.IndexArrayCleanedEntries.Load(),

		MergeCycleQty:          c.MergeCycleQty.Load(),
		MergeCycleWithMergeQty: c.MergeCycleWithMergeQty.Load(),
		MergeGainedDataFileQty: c.MergeGainedDataFileQty.Load(),
		MergeGainedBytes:       c.MergeGainedBytes.Load(),
		HintFileCreatedQty:     c.HintFileCreatedQty.Load(),
	}
}

// ValueCacheCountersSnapshot is a point-in-time, Load()-based copy of
// ValueCacheCounters, analogous to DatastoreCountersSnapshot.
type ValueCacheCountersSnapshot struct {
	InsertCallQty          uint64
	GetCallQty             uint64
	RemoveCallQty          uint64
	CurrentInCacheValueQty int64
	HitQty                 uint64
	MissQty                uint64
	EvictedQty             uint64
}

// Snapshot copies every counter's current value into a plain struct.
func (c *ValueCacheCounters) Snapshot() ValueCacheCountersSnapshot {
	return ValueCacheCountersSnapshot{
		InsertCallQty:          c.InsertCallQty.Load(),
		GetCallQty:             c.GetCallQty.Load(),
		RemoveCallQty:          c.RemoveCallQty.Load(),
		CurrentInCacheValueQty: c.CurrentInCacheValueQty.Load(),
		HitQty:                 c.HitQty.Load(),
		MissQty:                c.MissQty.Load(),
		EvictedQty:             c.EvictedQty.Load(),
	}
}
