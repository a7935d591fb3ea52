package writepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/status"
	"github.com/litecask-go/litecask/internal/tagindex"
	"github.com/litecask-go/litecask/internal/valuecache"
	testing_util "github.com/litecask-go/litecask/util/testing"
)

func newTestDeps(t *testing.T, dir string) *Deps {
	t.Helper()
	clock := uint32(1_700_000_000)
	return &Deps{
		Files:         filetable.New(dir, 1<<20),
		KeyDir:        keydir.New(),
		Cache:         valuecache.New(1<<20, 90),
		Tags:          tagindex.New(),
		Counters:      &metrics.DatastoreCounters{},
		CacheCounters: &metrics.ValueCacheCounters{},
		Now:           func() uint32 { return clock },
	}
}

func TestPutThenFindableInKeyDir(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutThenFindableInKeyDir")
	defer cleanup()

	d := newTestDeps(t, dir)
	require.NoError(t, Put(d, []byte("hello"), []byte("world"), nil, Options{}))

	chunk, found := d.KeyDir.Find([]byte("hello"))
	require.True(t, found)
	assert.Equal(t, uint32(5), chunk.ValueSize)
	assert.False(t, chunk.Tombstone)
}

func TestPutRejectsBadKeySize(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutRejectsBadKeySize")
	defer cleanup()

	d := newTestDeps(t, dir)
	err := Put(d, nil, []byte("v"), nil, Options{})
	assert.True(t, status.Is(err, status.BadKeySize))

	bigKey := make([]byte, 65535)
	err = Put(d, bigKey, []byte("v"), nil, Options{})
	assert.True(t, status.Is(err, status.BadKeySize))
}

func TestPutRejectsInconsistentAndUnorderedIndexes(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutRejectsInconsistentAndUnorderedIndexes")
	defer cleanup()

	d := newTestDeps(t, dir)
	key := []byte("012345678")

	err := Put(d, key, []byte("v"), []datafile.KeyIndex{{StartIdx: 0, Size: 2}, {StartIdx: 5, Size: 0}}, Options{})
	assert.True(t, status.Is(err, status.InconsistentKeyIndex))

	err = Put(d, key, []byte("v"), []datafile.KeyIndex{{StartIdx: 5, Size: 2}, {StartIdx: 0, Size: 2}}, Options{})
	assert.True(t, status.Is(err, status.UnorderedKeyIndex))
}

func TestPutOverwriteAccountsDeadBytes(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutOverwriteAccountsDeadBytes")
	defer cleanup()

	d := newTestDeps(t, dir)
	require.NoError(t, Put(d, []byte("k"), []byte("first-value"), nil, Options{}))
	require.NoError(t, Put(d, []byte("k"), []byte("second"), nil, Options{}))

	f, ok := d.Files.Get(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.DeadEntries.Load())
	assert.Greater(t, f.DeadBytes.Load(), uint64(0))
}

func TestRemoveWritesTombstoneAndClearsKeyDir(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestRemoveWritesTombstoneAndClearsKeyDir")
	defer cleanup()

	d := newTestDeps(t, dir)
	require.NoError(t, Put(d, []byte("k"), []byte("v"), nil, Options{}))
	require.NoError(t, Remove(d, []byte("k")))

	_, found := d.KeyDir.Find([]byte("k"))
	assert.False(t, found)
}

func TestRemoveOfMissingKeyIsNotFound(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestRemoveOfMissingKeyIsNotFound")
	defer cleanup()

	d := newTestDeps(t, dir)
	err := Remove(d, []byte("nope"))
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestPutUpdatesTagIndex(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutUpdatesTagIndex")
	defer cleanup()

	d := newTestDeps(t, dir)
	key := []byte("UJohn Doe/CUS/TTax document/0001")
	indexes := []datafile.KeyIndex{{StartIdx: 0, Size: 9}, {StartIdx: 10, Size: 3}, {StartIdx: 14, Size: 13}}
	require.NoError(t, Put(d, key, []byte("payload"), indexes, Options{}))

	got := d.Tags.Query([][]byte{[]byte("UJohn Doe")})
	assert.Len(t, got, 1)

	got = d.Tags.Query([][]byte{[]byte("UJohn Doe"), []byte("CUS")})
	assert.Len(t, got, 1)

	got = d.Tags.Query([][]byte{[]byte("CFR")})
	assert.Empty(t, got)
}

func TestPutSwitchesActiveFileOnSizeLimit(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutSwitchesActiveFileOnSizeLimit")
	defer cleanup()

	value := make([]byte, 128)
	key := []byte("0123")
	entry := &datafile.DataFileEntry{Key: key, Value: value}

	d := newTestDeps(t, dir)
	d.Files = filetable.New(dir, uint64(entry.EncodedSize())*2)

	perRecord := uint64(entry.EncodedSize())
	fits := int((uint64(entry.EncodedSize()) * 2) / perRecord)
	for i := 0; i < fits; i++ {
		require.NoError(t, Put(d, key, value, nil, Options{}))
	}
	assert.Equal(t, uint64(0), d.Counters.ActiveDataFileSwitchQty.Load())

	require.NoError(t, Put(d, key, value, nil, Options{}))
	assert.Equal(t, uint64(1), d.Counters.ActiveDataFileSwitchQty.Load())
}
