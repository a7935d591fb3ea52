// Package writepath implements the put/remove write path described in
// spec.md §4.F: validation, active-file append, KeyDir + tag-index + value
// cache updates, and the accounting of bytes superseded by an overwrite or
// tombstone.
package writepath

import (
	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/status"
	"github.com/litecask-go/litecask/internal/tagindex"
	"github.com/litecask-go/litecask/internal/valuecache"
)

// Deps bundles every piece of shared state a put/remove call touches.
type Deps struct {
	Files         *filetable.Table
	KeyDir        *keydir.KeyDir
	Cache         *valuecache.Cache
	Tags          *tagindex.TagIndex
	Counters      *metrics.DatastoreCounters
	CacheCounters *metrics.ValueCacheCounters

	// Now returns the current wall-clock second. Overridable for tests, per
	// spec.md §9's "per-store clock capability, injectable for tests".
	Now func() uint32
}

// Options carries the optional put/remove parameters.
type Options struct {
	TTLSec     uint16
	ForcedSync bool
}

// ValidateKey checks key size bounds (spec.md §3: length in [1, 65534]).
func ValidateKey(key []byte) error {
	if len(key) == 0 || len(key) > datafile.MaxKeySize {
		return status.New(status.BadKeySize)
	}
	return nil
}

// ValidateValue checks value size bounds.
func ValidateValue(value []byte) error {
	if len(value) > datafile.MaxValueSize {
		return status.New(status.BadValueSize)
	}
	return nil
}

// ValidateIndexes checks index count, structural validity (offset+length in
// range, length>0), and strict ordering, per spec.md §3 and scenario S3.
func ValidateIndexes(keySize int, indexes []datafile.KeyIndex) error {
	if len(indexes) > datafile.MaxKeyIndexQty {
		return status.New(status.InconsistentKeyIndex)
	}
	for _, ix := range indexes {
		if ix.Size == 0 || int(ix.StartIdx)+int(ix.Size) > keySize {
			return status.New(status.InconsistentKeyIndex)
		}
	}
	for i := 1; i < len(indexes); i++ {
		prev, cur := indexes[i-1], indexes[i]
		if cur.StartIdx < prev.StartIdx || (cur.StartIdx == prev.StartIdx && cur.Size <= prev.Size) {
			return status.New(status.UnorderedKeyIndex)
		}
	}
	return nil
}

// Put validates, appends, and publishes a new value for key, following
// spec.md §4.F steps 1-6.
func Put(d *Deps, key, value []byte, indexes []datafile.KeyIndex, opts Options) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := ValidateIndexes(len(key), indexes); err != nil {
		return err
	}

	now := d.Now()
	entry := &datafile.DataFileEntry{
		TimestampSec: now,
		TTLSec:       opts.TTLSec,
		Key:          key,
		Indexes:      indexes,
		Value:        value,
	}

	res, err := d.Files.AppendActive(entry)
	if err != nil {
		return status.WrapIoError(err)
	}
	if res.CreatedNew {
		d.Counters.DataFileCreationQty.Inc()
		if res.HadOld {
			d.Counters.ActiveDataFileSwitchQty.Inc()
		}
	}

	if opts.ForcedSync {
		if f, ok := d.Files.Get(res.FileID); ok {
			if err := f.Sync(); err != nil {
				return status.WrapIoError(err)
			}
		}
	}

	newChunk := keydir.KeyChunk{
		FileId:       res.FileID,
		FileOffset:   uint32(res.Offset),
		ValueSize:    uint32(len(value)),
		TimestampSec: now,
		TTLSec:       opts.TTLSec,
		CacheLoc:     0,
	}
	old, _ := d.KeyDir.InsertEntry(key, newChunk)
	accountSuperseded(d, old)
	reconcileTags(d, key, old, indexes)

	d.CacheCounters.InsertCallQty.Inc()
	if loc, ok := d.Cache.Insert(value); ok {
		d.KeyDir.UpdateCachedValueLocation(key, loc)
		d.CacheCounters.CurrentInCacheValueQty.Inc()
	}

	return nil
}

// Remove writes a tombstone record for key and retires it from KeyDir, the
// value cache, and the tag index, per spec.md §4.F step 7.
func Remove(d *Deps, key []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	chunk, found := d.KeyDir.Find(key)
	if !found || chunk.Tombstone {
		return status.New(status.EntryNotFound)
	}

	now := d.Now()
	entry := &datafile.DataFileEntry{
		TimestampSec: now,
		Key:          key,
		Tombstone:    true,
	}
	res, err := d.Files.AppendActive(entry)
	if err != nil {
		return status.WrapIoError(err)
	}
	if res.CreatedNew {
		d.Counters.DataFileCreationQty.Inc()
		if res.HadOld {
			d.Counters.ActiveDataFileSwitchQty.Inc()
		}
	}

	old, _ := d.KeyDir.InsertEntry(key, keydir.KeyChunk{
		FileId:       res.FileID,
		FileOffset:   uint32(res.Offset),
		TimestampSec: now,
		Tombstone:    true,
	})
	accountSuperseded(d, old)
	reconcileTags(d, key, old, nil)

	d.KeyDir.Remove(key)
	if old.Valid && old.CacheLoc != 0 {
		d.Cache.Remove(old.CacheLoc)
		d.CacheCounters.RemoveCallQty.Inc()
		d.CacheCounters.CurrentInCacheValueQty.Dec()
	}

	return nil
}

// accountSuperseded adds old's on-disk footprint to its owning file's
// dead-bytes tally, per spec.md §4.F step 5(a).
func accountSuperseded(d *Deps, old keydir.OldKeyChunk) {
	if !old.Valid {
		return
	}
	f, ok := d.Files.Get(old.FileId)
	if !ok {
		return
	}
	recordSize := uint64(datafile.DataHeaderSize + len(old.Key) + 2*len(old.Indexes))
	if !old.Tombstone {
		recordSize += uint64(old.ValueSize)
	}
	f.DeadBytes.Add(recordSize)
	f.DeadEntries.Inc()
	if old.Tombstone {
		f.TombBytes.Add(recordSize)
		f.TombEntries.Inc()
	}
}

// reconcileTags diffs old's KeyIndex-derived tag set against newIndexes,
// adding key to new-only tag buckets and tombstoning it in old-only ones,
// per spec.md §4.E.
func reconcileTags(d *Deps, key []byte, old keydir.OldKeyChunk, newIndexes []datafile.KeyIndex) {
	keyId := keyIdOf(key)

	oldTags := make(map[string][]byte)
	if old.Valid {
		for _, ix := range old.Indexes {
			if int(ix.StartIdx)+int(ix.Size) <= len(old.Key) {
				tag := old.Key[ix.StartIdx : ix.StartIdx+ix.Size]
				oldTags[string(tag)] = tag
			}
		}
	}
	newTags := make(map[string][]byte)
	for _, ix := range newIndexes {
		if int(ix.StartIdx)+int(ix.Size) <= len(key) {
			tag := key[ix.StartIdx : ix.StartIdx+ix.Size]
			newTags[string(tag)] = tag
		}
	}

	for s, tag := range newTags {
		if _, stillThere := oldTags[s]; !stillThere {
			d.Tags.Add(tag, keyId)
		}
	}
	for s, tag := range oldTags {
		if _, stillThere := newTags[s]; !stillThere {
			d.Tags.Remove(tag, keyId)
		}
	}
}

// keyIdOf derives the stable tag-index identity for key. It intentionally
// reuses the same hash the KeyDir uses so Query results can be resolved back
// to a KeyDir lookup without the tag index retaining key bytes itself.
func keyIdOf(key []byte) tagindex.KeyId {
	return keydir.HashKey(key)
}
