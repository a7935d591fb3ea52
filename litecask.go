// Package litecask implements an embedded, persistent, log-structured
// key-value store in the Bitcask family: an append-only sequence of data
// files, an in-memory KeyDir index pointing at the current location of every
// live key, and background merge/upkeep threads that reclaim space left
// behind by overwrites and deletes.
package litecask

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/lockfile"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/readpath"
	"github.com/litecask-go/litecask/internal/scheduler"
	"github.com/litecask-go/litecask/internal/status"
	"github.com/litecask-go/litecask/internal/tagindex"
	"github.com/litecask-go/litecask/internal/valuecache"
	"github.com/litecask-go/litecask/internal/writepath"
	"github.com/litecask-go/litecask/util"
)

const (
	maxLogFileBytes  = 10 << 20
	maxRotatedLogQty = 4
	valueCacheArenaBytes = 64 << 20
)

// Datastore is a single open store rooted at one directory. Zero value is not
// usable; construct one with Open.
type Datastore struct {
	id   uuid.UUID
	path string

	mu     sync.RWMutex
	open   bool
	config Config

	lock *lockfile.Lock

	files  *filetable.Table
	keydir *keydir.KeyDir
	cache  *valuecache.Cache
	tags   *tagindex.TagIndex

	counters      metrics.DatastoreCounters
	cacheCounters metrics.ValueCacheCounters

	runner *scheduler.Runner
	logger *zap.Logger
	logCore *rotatingLogCore
}

// Open opens (and, if createIfMissing, creates) the store rooted at path.
func Open(path string, createIfMissing bool) (*Datastore, error) {
	return OpenWithConfig(path, createIfMissing, DefaultConfig())
}

// OpenWithConfig is Open with an explicit initial configuration.
func OpenWithConfig(path string, createIfMissing bool, cfg Config) (*Datastore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, status.WrapIoError(err)
		}
		if !createIfMissing {
			return nil, status.WrapIoError(err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, status.WrapIoError(err)
		}
	}

	lock, err := lockfile.Acquire(path)
	if err != nil {
		if err == lockfile.ErrAlreadyLocked {
			return nil, status.New(status.StoreAlreadyInUse)
		}
		return nil, status.WrapIoError(err)
	}

	if onDisk, err := loadPersistedConfig(path); err == nil {
		cfg = onDisk
		if verr := cfg.Validate(); verr != nil {
			_ = lock.Release()
			return nil, verr
		}
	}

	logCore := newRotatingLogCore(path)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), logCore, zapcore.InfoLevel)
	logger := zap.New(core)

	ds := &Datastore{
		id:      uuid.New(),
		path:    path,
		config:  cfg,
		lock:    lock,
		files:   filetable.New(path, cfg.DataFileMaxBytes),
		keydir:  keydir.New(),
		cache:   valuecache.New(valueCacheArenaBytes, cfg.ValueCacheTargetMemoryLoadPercentage),
		tags:    tagindex.New(),
		logger:  logger,
		logCore: logCore,
	}

	if err := ds.reconstruct(); err != nil {
		_ = lock.Release()
		return nil, status.WrapIoError(err)
	}

	ds.startBackgroundThreads()
	ds.open = true
	ds.counters.OpenCallQty.Inc()
	ds.logger.Info("store opened", zap.String("path", path), zap.String("id", ds.id.String()))
	return ds, nil
}

// Close signals the background threads to stop, flushes and fsyncs the
// active file, and releases the directory lock. It is safe to call more than
// once.
func (d *Datastore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil
	}

	if d.runner != nil {
		d.runner.Stop()
	}

	var closeErr error
	if active := d.files.Active(); active != nil {
		closeErr = multierr.Append(closeErr, active.Sync())
	}
	for _, err := range d.files.CloseAll() {
		closeErr = multierr.Append(closeErr, err)
	}
	closeErr = multierr.Append(closeErr, d.lock.Release())

	d.counters.CloseCallQty.Inc()
	d.open = false
	_ = d.logCore.Sync()

	if closeErr != nil {
		d.counters.CloseCallFailedQty.Inc()
		return status.WrapIoError(closeErr)
	}
	return nil
}

func (d *Datastore) deps() *writepath.Deps {
	return &writepath.Deps{
		Files:         d.files,
		KeyDir:        d.keydir,
		Cache:         d.cache,
		Tags:          d.tags,
		Counters:      &d.counters,
		CacheCounters: &d.cacheCounters,
		Now:           now,
	}
}

func (d *Datastore) readDeps() *readpath.Deps {
	return &readpath.Deps{
		Files:         d.files,
		KeyDir:        d.keydir,
		Cache:         d.cache,
		Counters:      &d.counters,
		CacheCounters: &d.cacheCounters,
		Now:           now,
	}
}

// now returns the current wall-clock second. A package variable rather than
// a Datastore field; the write and read paths receive it through Deps.Now.
var now = func() uint32 { return uint32(time.Now().Unix()) }

// Put stores value under key with the optional tag indexes, TTL, and forced
// fsync, per spec.md §4.F.
func (d *Datastore) Put(key, value []byte, indexes []datafile.KeyIndex, ttlSec uint16, forcedSync bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.open {
		return status.New(status.StoreNotOpen)
	}

	d.counters.PutCallQty.Inc()
	err := writepath.Put(d.deps(), key, value, indexes, writepath.Options{TTLSec: ttlSec, ForcedSync: forcedSync})
	if err != nil {
		d.counters.PutCallFailedQty.Inc()
	}
	return err
}

// Get returns the current live value for key.
func (d *Datastore) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.open {
		return nil, status.New(status.StoreNotOpen)
	}

	d.counters.GetCallQty.Inc()
	value, err := readpath.Get(d.readDeps(), key)
	if err != nil {
		if status.Is(err, status.EntryNotFound) {
			d.counters.GetCallNotFoundQty.Inc()
		} else {
			d.counters.GetCallFailedQty.Inc()
		}
	}
	return value, err
}

// Remove deletes key, writing a tombstone record.
func (d *Datastore) Remove(key []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.open {
		return status.New(status.StoreNotOpen)
	}

	d.counters.RemoveCallQty.Inc()
	err := writepath.Remove(d.deps(), key)
	if err != nil {
		if status.Is(err, status.EntryNotFound) {
			d.counters.RemoveCallNotFoundQty.Inc()
		} else {
			d.counters.RemoveCallFailedQty.Inc()
		}
	}
	return err
}

// Query returns every live key whose declared tag indexes include all of
// tagParts (logical AND across parts).
func (d *Datastore) Query(tagParts [][]byte) ([][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.open {
		return nil, status.New(status.StoreNotOpen)
	}

	d.counters.QueryCallQty.Inc()
	ids := d.tags.Query(tagParts)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		key, ok := d.keydir.FindByHash(uint64(id))
		if !ok {
			continue
		}
		if chunk, found := d.keydir.Find(key); found && chunk.TTLSec != 0 && chunk.TimestampSec+uint32(chunk.TTLSec) <= now() {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Sync flushes and fsyncs the active data file.
func (d *Datastore) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.open {
		return status.New(status.StoreNotOpen)
	}
	if active := d.files.Active(); active != nil {
		if err := active.Sync(); err != nil {
			return status.WrapIoError(err)
		}
	}
	return nil
}

// RequestMerge triggers an out-of-cycle merge evaluation.
func (d *Datastore) RequestMerge() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.runner != nil {
		d.runner.RequestMerge()
	}
}

// IsMergeOnGoing reports whether a merge cycle is currently executing.
func (d *Datastore) IsMergeOnGoing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runner != nil && d.runner.IsMergeRunning()
}

// IsUpkeepingOnGoing reports whether an upkeep tick is currently executing.
func (d *Datastore) IsUpkeepingOnGoing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runner != nil && d.runner.IsUpkeepRunning()
}

// GetCounters returns a snapshot of the lifetime/operation counters, each
// field read through Load() rather than copied directly, since d.counters is
// concurrently mutated by the write/read/scheduler packages.
func (d *Datastore) GetCounters() DatastoreCounters {
	return d.counters.Snapshot()
}

// GetValueCacheCounters returns a snapshot of the value-cache counters, taken
// the same Load()-based way as GetCounters.
func (d *Datastore) GetValueCacheCounters() ValueCacheCounters {
	return d.cacheCounters.Snapshot()
}

// GetFileStats summarises the current data files: every tally of the sealed
// files, plus the active file's count, entries and entry bytes (its tomb and
// dead tallies are not included).
func (d *Datastore) GetFileStats() DataFileStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var stats DataFileStats
	for _, f := range d.files.Sealed() {
		stats.FileQty++
		stats.Entries += f.EntryQty.Load()
		stats.EntryBytes += f.Bytes.Load()
		stats.TombBytes += f.TombBytes.Load()
		stats.TombEntries += f.TombEntries.Load()
		stats.DeadBytes += f.DeadBytes.Load()
		stats.DeadEntries += f.DeadEntries.Load()
	}
	if active := d.files.Active(); active != nil {
		stats.FileQty++
		stats.Entries += active.EntryQty.Load()
		stats.EntryBytes += active.Bytes.Load()
	}
	return stats
}

// GetConfig returns the currently active configuration.
func (d *Datastore) GetConfig() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// SetConfig validates and installs a new configuration, persisting it to the
// on-disk `config` file.
func (d *Datastore) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
	return persistConfig(d.path, cfg)
}

// ErasePermanentlyAllContent removes every file under path. It is a
// destructive test hook and must not be called against an open store.
func ErasePermanentlyAllContent(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return status.WrapIoError(err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return status.WrapIoError(err)
		}
	}
	return nil
}

func (d *Datastore) startBackgroundThreads() {
	mergeDeps := &scheduler.MergeDeps{
		Files:    d.files,
		KeyDir:   d.keydir,
		Tags:     d.tags,
		Counters: &d.counters,
		Logger:   d.logger,
	}
	upkeepDeps := &scheduler.UpkeepDeps{
		KeyDir:              d.keydir,
		Cache:               d.cache,
		Tags:                d.tags,
		Counters:            &d.counters,
		CacheCounters:       &d.cacheCounters,
		KeyDirBatchSize:     int(d.config.UpkeepKeyDirBatchSize),
		ValueCacheBatchSize: int(d.config.UpkeepValueCacheBatchSize),
		PostTick:            d.logCore.RotateIfNeeded,
	}
	thresholds := scheduler.MergeThresholds{
		DataFileMaxBytes:                d.config.DataFileMaxBytes,
		TriggerFragmentationPercentage:   d.config.MergeTriggerDataFileFragmentationPercentage,
		TriggerDeadByteThreshold:         d.config.MergeTriggerDataFileDeadByteThreshold,
		SelectFragmentationPercentage:    d.config.MergeSelectDataFileFragmentationPercentage,
		SelectDeadByteThreshold:          d.config.MergeSelectDataFileDeadByteThreshold,
		SelectSmallSizeThreshold:         d.config.MergeSelectDataFileSmallSizeThreshold,
	}

	d.runner = scheduler.NewRunner(
		mergeDeps, upkeepDeps, thresholds,
		time.Duration(d.config.MergeCyclePeriodMs)*time.Millisecond,
		time.Duration(d.config.UpkeepCyclePeriodMs)*time.Millisecond,
		d.logger,
	)
	d.runner.Start()
}

// --- reopen reconstruction -------------------------------------------------

// reconstruct rebuilds the KeyDir from whatever data/hint files already exist
// under d.path, preferring a file's hint companion when present and falling
// back to a full data-file scan (writing a fresh hint file on completion),
// per spec.md §4.I.
func (d *Datastore) reconstruct() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}

	ids := make(map[uint16]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".data") {
			idStr := strings.TrimSuffix(name, ".data")
			if n, err := strconv.ParseUint(idStr, 10, 16); err == nil {
				ids[uint16(n)] = true
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	sortedIDs := make([]uint16, 0, len(ids))
	for id := range ids {
		sortedIDs = append(sortedIDs, id)
	}
	for i := 0; i < len(sortedIDs); i++ {
		for j := i + 1; j < len(sortedIDs); j++ {
			if sortedIDs[j] < sortedIDs[i] {
				sortedIDs[i], sortedIDs[j] = sortedIDs[j], sortedIDs[i]
			}
		}
	}

	lastID := sortedIDs[len(sortedIDs)-1]
	for _, id := range sortedIDs {
		isLast := id == lastID
		dataPath := d.files.DataPath(id)
		hintPath := d.files.HintPath(id)

		if !isLast {
			f, err := datafile.OpenReadOnly(dataPath, id)
			if err != nil {
				return err
			}
			d.files.AdoptSealed(f)
			if err := d.reconstructFromHintOrScan(id, dataPath, hintPath); err != nil {
				return err
			}
			if err := accountFileStats(f); err != nil {
				return err
			}
			continue
		}

		// The last (highest-numbered) file may still be the active,
		// appendable one from before the previous close.
		f, err := datafile.OpenForAppend(dataPath, id)
		if err != nil {
			return err
		}
		if _, err := f.TruncateToLastValid(); err != nil {
			return err
		}
		d.files.AdoptActive(f)
		if err := d.reconstructFromScan(f, id); err != nil {
			return err
		}
		if err := accountFileStats(f); err != nil {
			return err
		}
	}
	return nil
}

func (d *Datastore) reconstructFromHintOrScan(id uint16, dataPath, hintPath string) error {
	if _, err := os.Stat(hintPath); err == nil {
		hints, err := datafile.LoadHintFile(hintPath)
		if err == nil {
			for _, h := range hints {
				d.applyHintEntry(id, h)
			}
			return nil
		}
	}

	f, err := datafile.OpenReadOnly(dataPath, id)
	if err != nil {
		return err
	}
	defer f.Close()

	var hints []datafile.HintFileEntry
	for loaded, err := range f.Entries() {
		if err != nil {
			return err
		}
		d.applyDataEntry(id, loaded)
		hints = append(hints, datafile.HintFileEntry{
			TimestampSec:          loaded.Entry.TimestampSec,
			TTLSec:                loaded.Entry.TTLSec,
			ValueOffsetInDataFile: uint32(loaded.Offset) + uint32(datafile.DataHeaderSize+len(loaded.Entry.Key)+2*len(loaded.Entry.Indexes)),
			Key:                   loaded.Entry.Key,
			Indexes:               loaded.Entry.Indexes,
			Tombstone:             loaded.Entry.Tombstone,
			ValueSize:             uint32(len(loaded.Entry.Value)),
		})
	}
	return datafile.WriteHintFile(hintPath, hints)
}

func (d *Datastore) reconstructFromScan(f *datafile.File, id uint16) error {
	for loaded, err := range f.Entries() {
		if err != nil {
			return err
		}
		d.applyDataEntry(id, loaded)
	}
	return nil
}

func (d *Datastore) applyHintEntry(fileId uint16, h datafile.HintFileEntry) {
	chunk := keydir.KeyChunk{
		FileId:       fileId,
		FileOffset:   h.ValueOffsetInDataFile - uint32(datafile.DataHeaderSize+len(h.Key)+2*len(h.Indexes)),
		ValueSize:    h.ValueSize,
		TimestampSec: h.TimestampSec,
		TTLSec:       h.TTLSec,
		Tombstone:    h.Tombstone,
	}
	if chunk.Tombstone {
		old, _ := d.keydir.InsertEntry(h.Key, chunk)
		accountSupersededOnReopen(d, old)
		d.keydir.Remove(h.Key)
		return
	}
	old, _ := d.keydir.InsertEntry(h.Key, chunk)
	accountSupersededOnReopen(d, old)
}

func (d *Datastore) applyDataEntry(fileId uint16, loaded datafile.LoadedEntry) {
	chunk := keydir.KeyChunk{
		FileId:       fileId,
		FileOffset:   uint32(loaded.Offset),
		ValueSize:    uint32(len(loaded.Entry.Value)),
		TimestampSec: loaded.Entry.TimestampSec,
		TTLSec:       loaded.Entry.TTLSec,
		Tombstone:    loaded.Entry.Tombstone,
	}
	if chunk.Tombstone {
		old, _ := d.keydir.InsertEntry(loaded.Entry.Key, chunk)
		accountSupersededOnReopen(d, old)
		d.keydir.Remove(loaded.Entry.Key)
		return
	}
	old, _ := d.keydir.InsertEntry(loaded.Entry.Key, chunk)
	accountSupersededOnReopen(d, old)
}

func accountSupersededOnReopen(d *Datastore, old keydir.OldKeyChunk) {
	if !old.Valid {
		return
	}
	f, ok := d.files.Get(old.FileId)
	if !ok {
		return
	}
	recordSize := uint64(datafile.DataHeaderSize + len(old.Key) + 2*len(old.Indexes))
	if !old.Tombstone {
		recordSize += uint64(old.ValueSize)
	}
	f.DeadBytes.Add(recordSize)
	f.DeadEntries.Inc()
}

// accountFileStats tallies a freshly (re)opened file's live Bytes/Entries
// counters, which Append only maintains going forward; on reopen we must
// derive them once from the records actually on disk.
func accountFileStats(f *datafile.File) error {
	for loaded, err := range f.Entries() {
		if err != nil {
			return err
		}
		f.Bytes.Add(uint64(loaded.Entry.EncodedSize()))
		f.EntryQty.Inc()
	}
	return nil
}

func loadPersistedConfig(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(path, "config"))
	if err != nil {
		return Config{}, err
	}
	return decodeConfig(data)
}

func persistConfig(path string, cfg Config) error {
	return util.WriteFileAtomic(filepath.Join(path, "config"), encodeConfig(cfg))
}

func decodeConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func encodeConfig(cfg Config) []byte {
	// Config's fields all marshal losslessly via their exported names; error
	// is impossible for a struct containing only integers.
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return data
}
