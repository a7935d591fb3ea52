package litecask

import "github.com/litecask-go/litecask/internal/metrics"

// DatastoreCounters is a point-in-time, race-free snapshot of the lifetime,
// call, and maintenance counters of a Datastore, as returned by GetCounters.
type DatastoreCounters = metrics.DatastoreCountersSnapshot

// ValueCacheCounters is a point-in-time snapshot of value-cache-specific
// telemetry, as returned by GetValueCacheCounters.
type ValueCacheCounters = metrics.ValueCacheCountersSnapshot

// DataFileStats summarises the data-file population observed at a point in
// time, as returned by GetFileStats.
type DataFileStats = metrics.DataFileStats
