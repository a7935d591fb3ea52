// Package readpath implements the get path described in spec.md §4.G:
// KeyDir lookup, tombstone/TTL check, value cache, then data-file fallback
// with CRC verification.
package readpath

import (
	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/status"
	"github.com/litecask-go/litecask/internal/valuecache"
)

// Deps bundles the shared state a get call consults.
type Deps struct {
	Files         *filetable.Table
	KeyDir        *keydir.KeyDir
	Cache         *valuecache.Cache
	Counters      *metrics.DatastoreCounters
	CacheCounters *metrics.ValueCacheCounters

	Now func() uint32
}

// Get resolves key to its current live value, per spec.md §4.G.
func Get(d *Deps, key []byte) ([]byte, error) {
	chunk, found := d.KeyDir.Find(key)
	if !found {
		return nil, status.New(status.EntryNotFound)
	}
	if chunk.Tombstone {
		return nil, status.New(status.EntryNotFound)
	}
	if isExpired(chunk, d.Now()) {
		return nil, status.New(status.EntryNotFound)
	}

	if chunk.CacheLoc != 0 {
		if value, hit := d.Cache.Get(chunk.CacheLoc); hit {
			d.Counters.GetCacheHitQty.Inc()
			return value, nil
		}
	}

	f, ok := d.Files.Get(chunk.FileId)
	if !ok {
		return nil, status.WrapIoError(errFileMissing{chunk.FileId})
	}

	entry, err := f.ReadEntryAt(uint64(chunk.FileOffset))
	if err != nil {
		if err == datafile.ErrCorrupted {
			d.Counters.GetCallCorruptedQty.Inc()
			return nil, status.New(status.Corrupted)
		}
		return nil, status.WrapIoError(err)
	}

	if loc, ok := d.Cache.Insert(entry.Value); ok {
		d.KeyDir.UpdateCachedValueLocation(key, loc)
		d.CacheCounters.InsertCallQty.Inc()
		d.CacheCounters.CurrentInCacheValueQty.Inc()
	}

	return entry.Value, nil
}

func isExpired(chunk keydir.KeyChunk, now uint32) bool {
	if chunk.TTLSec == 0 {
		return false
	}
	return chunk.TimestampSec+uint32(chunk.TTLSec) <= now
}

type errFileMissing struct{ fileId uint16 }

func (e errFileMissing) Error() string {
	return "readpath: data file for stored entry is not open"
}
