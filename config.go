package litecask

// MinDataFileMaxBytes is the smallest accepted dataFileMaxBytes, mirroring the
// original implementation's floor for a usable data file.
const MinDataFileMaxBytes = 1024

// Config holds every tunable of a Datastore. Zero-value fields are not filled
// in from defaults; start from DefaultConfig. Validate must be called (Open
// calls it internally) before the config is trusted.
type Config struct {
	// DataFileMaxBytes is the size after which the active data file is sealed
	// and a new one is started.
	DataFileMaxBytes uint64

	// MergeCyclePeriodMs is the interval between merge-eligibility checks.
	MergeCyclePeriodMs uint32
	// UpkeepCyclePeriodMs is the interval between upkeep ticks (KeyDir resize
	// progress, value-cache maintenance and preventive eviction, tag-index
	// cleaning, log rotation). Upkeep does not reap TTL-expired entries.
	UpkeepCyclePeriodMs uint32
	// WriteBufferFlushPeriodMs is validated and persisted but not read by the
	// store: appends are written straight to the active data file, with no
	// in-process write buffer to flush.
	WriteBufferFlushPeriodMs uint32

	// UpkeepKeyDirBatchSize is how many KeyDir slots are migrated per upkeep tick
	// while an incremental resize is in progress.
	UpkeepKeyDirBatchSize uint32
	// UpkeepValueCacheBatchSize is how many cache entries are inspected per
	// upkeep tick for queue rebalancing / preventive eviction.
	UpkeepValueCacheBatchSize uint32
	// ValueCacheTargetMemoryLoadPercentage bounds how full the value cache's
	// TLSF arena may get before upkeep starts preventively evicting.
	ValueCacheTargetMemoryLoadPercentage uint32

	// MergeTriggerDataFileFragmentationPercentage: a sealed file with
	// deadBytes/bytes at or above this percentage triggers a merge cycle.
	MergeTriggerDataFileFragmentationPercentage uint32
	// MergeTriggerDataFileDeadByteThreshold: a sealed file with at least this
	// many dead bytes triggers a merge cycle, regardless of fragmentation ratio.
	MergeTriggerDataFileDeadByteThreshold uint64

	// MergeSelectDataFileFragmentationPercentage: once a merge is triggered,
	// files at or above this (looser) fragmentation ratio are also selected.
	MergeSelectDataFileFragmentationPercentage uint32
	// MergeSelectDataFileDeadByteThreshold: once a merge is triggered, files
	// with at least this many dead bytes are also selected.
	MergeSelectDataFileDeadByteThreshold uint64
	// MergeSelectDataFileSmallSizeThreshold: once a merge is triggered, files
	// smaller than this are also selected regardless of fragmentation.
	MergeSelectDataFileSmallSizeThreshold uint64
}

// DefaultConfig returns the configuration the original implementation ships as
// its defaults.
func DefaultConfig() Config {
	return Config{
		DataFileMaxBytes:                            100_000_000,
		MergeCyclePeriodMs:                           60_000,
		UpkeepCyclePeriodMs:                          1_000,
		WriteBufferFlushPeriodMs:                     5_000,
		UpkeepKeyDirBatchSize:                        100_000,
		UpkeepValueCacheBatchSize:                    10_000,
		ValueCacheTargetMemoryLoadPercentage:         90,
		MergeTriggerDataFileFragmentationPercentage:  50,
		MergeTriggerDataFileDeadByteThreshold:        50_000_000,
		MergeSelectDataFileFragmentationPercentage:   30,
		MergeSelectDataFileDeadByteThreshold:         10_000_000,
		MergeSelectDataFileSmallSizeThreshold:        10_000_000,
	}
}

// Validate checks range constraints (BadParameterValue) and cross-field
// consistency constraints (InconsistentParameterValues) per the merge
// threshold rules.
func (c Config) Validate() error {
	switch {
	case c.DataFileMaxBytes < MinDataFileMaxBytes:
		return newStatusError(StatusBadParameterValue)
	case c.MergeCyclePeriodMs == 0:
		return newStatusError(StatusBadParameterValue)
	case c.UpkeepCyclePeriodMs == 0:
		return newStatusError(StatusBadParameterValue)
	case c.UpkeepKeyDirBatchSize == 0:
		return newStatusError(StatusBadParameterValue)
	case c.UpkeepValueCacheBatchSize == 0:
		return newStatusError(StatusBadParameterValue)
	case c.ValueCacheTargetMemoryLoadPercentage < 1 || c.ValueCacheTargetMemoryLoadPercentage > 100:
		return newStatusError(StatusBadParameterValue)
	case c.MergeTriggerDataFileFragmentationPercentage < 1 || c.MergeTriggerDataFileFragmentationPercentage > 100:
		return newStatusError(StatusBadParameterValue)
	case c.MergeSelectDataFileFragmentationPercentage < 1 || c.MergeSelectDataFileFragmentationPercentage > 100:
		return newStatusError(StatusBadParameterValue)
	case c.MergeSelectDataFileSmallSizeThreshold < MinDataFileMaxBytes:
		return newStatusError(StatusBadParameterValue)
	}

	switch {
	case c.MergeTriggerDataFileDeadByteThreshold > c.DataFileMaxBytes:
		return newStatusError(StatusInconsistentParameterValues)
	case c.MergeSelectDataFileDeadByteThreshold > c.DataFileMaxBytes:
		return newStatusError(StatusInconsistentParameterValues)
	case c.MergeSelectDataFileSmallSizeThreshold > c.DataFileMaxBytes:
		return newStatusError(StatusInconsistentParameterValues)
	case c.MergeSelectDataFileFragmentationPercentage > c.MergeTriggerDataFileFragmentationPercentage:
		return newStatusError(StatusInconsistentParameterValues)
	case c.MergeSelectDataFileDeadByteThreshold > c.MergeTriggerDataFileDeadByteThreshold:
		return newStatusError(StatusInconsistentParameterValues)
	}

	return nil
}
