package readpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/status"
	"github.com/litecask-go/litecask/internal/valuecache"
	testing_util "github.com/litecask-go/litecask/util/testing"
)

type fixture struct {
	deps  *Deps
	files *filetable.Table
}

func newFixture(t *testing.T, dir string, clock uint32) *fixture {
	t.Helper()
	files := filetable.New(dir, 1<<20)
	return &fixture{
		files: files,
		deps: &Deps{
			Files:         files,
			KeyDir:        keydir.New(),
			Cache:         valuecache.New(1<<20, 90),
			Counters:      &metrics.DatastoreCounters{},
			CacheCounters: &metrics.ValueCacheCounters{},
			Now:           func() uint32 { return clock },
		},
	}
}

func putRaw(t *testing.T, f *fixture, key, value []byte, ttlSec uint16, ts uint32) {
	t.Helper()
	entry := &datafile.DataFileEntry{TimestampSec: ts, TTLSec: ttlSec, Key: key, Value: value}
	res, err := f.files.AppendActive(entry)
	require.NoError(t, err)
	_, _ = f.deps.KeyDir.InsertEntry(key, keydir.KeyChunk{
		FileId: res.FileID, FileOffset: uint32(res.Offset), ValueSize: uint32(len(value)),
		TimestampSec: ts, TTLSec: ttlSec,
	})
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetMissingKeyIsNotFound")
	defer cleanup()

	f := newFixture(t, dir, 1000)
	_, err := Get(f.deps, []byte("nope"))
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestGetReadsFromDataFileAndPopulatesCache(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetReadsFromDataFileAndPopulatesCache")
	defer cleanup()

	f := newFixture(t, dir, 1000)
	putRaw(t, f, []byte("k"), []byte("v1"), 0, 1000)

	value, err := Get(f.deps, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	chunk, found := f.deps.KeyDir.Find([]byte("k"))
	require.True(t, found)
	assert.NotEqual(t, uint32(0), chunk.CacheLoc)

	value2, err := Get(f.deps, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value2)
	assert.Equal(t, uint64(1), f.deps.Counters.GetCacheHitQty.Load())
}

func TestGetExpiredTTLIsNotFound(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetExpiredTTLIsNotFound")
	defer cleanup()

	f := newFixture(t, dir, 2000)
	putRaw(t, f, []byte("k"), []byte("v"), 10, 1000) // expires at 1010, now is 2000

	_, err := Get(f.deps, []byte("k"))
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestGetLiveTTLStillReadable(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetLiveTTLStillReadable")
	defer cleanup()

	f := newFixture(t, dir, 1005)
	putRaw(t, f, []byte("k"), []byte("v"), 10, 1000) // expires at 1010, now is 1005

	value, err := Get(f.deps, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestGetTombstonedIsNotFound(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetTombstonedIsNotFound")
	defer cleanup()

	f := newFixture(t, dir, 1000)
	entry := &datafile.DataFileEntry{TimestampSec: 1000, Key: []byte("k"), Tombstone: true}
	res, err := f.files.AppendActive(entry)
	require.NoError(t, err)
	_, _ = f.deps.KeyDir.InsertEntry([]byte("k"), keydir.KeyChunk{FileId: res.FileID, FileOffset: uint32(res.Offset), Tombstone: true})

	_, err = Get(f.deps, []byte("k"))
	assert.True(t, status.Is(err, status.EntryNotFound))
}
