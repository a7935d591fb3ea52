package litecask

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/status"
	testing_util "github.com/litecask-go/litecask/util/testing"
)

func TestOpenCreatesDirectoryWhenMissing(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestOpenCreatesDirectoryWhenMissing")
	defer cleanup()

	storePath := filepath.Join(dir, "store")
	ds, err := Open(storePath, true)
	require.NoError(t, err)
	defer ds.Close()

	assert.True(t, ds.open)
}

func TestOpenWithoutCreateIfMissingFails(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestOpenWithoutCreateIfMissingFails")
	defer cleanup()

	_, err := Open(filepath.Join(dir, "nope"), false)
	require.Error(t, err)
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestPutGetRemoveRoundTrip")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	defer ds.Close()

	require.NoError(t, ds.Put([]byte("hello"), []byte("world"), nil, 0, false))

	value, err := ds.Get([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), value)

	require.NoError(t, ds.Remove([]byte("hello")))

	_, err = ds.Get([]byte("hello"))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestGetOnMissingKeyReturnsNotFound(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestGetOnMissingKeyReturnsNotFound")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	defer ds.Close()

	_, err = ds.Get([]byte("absent"))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestQueryReturnsKeysMatchingAllTags(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestQueryReturnsKeysMatchingAllTags")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	defer ds.Close()

	// "user:42" tagged by a 5-byte prefix and a 2-byte suffix slice of the key.
	key := []byte("user:42")
	indexes := []datafile.KeyIndex{
		{StartIdx: 0, Size: 5},
		{StartIdx: 5, Size: 2},
	}
	require.NoError(t, ds.Put(key, []byte("payload"), indexes, 0, false))

	matches, err := ds.Query([][]byte{key[:5], key[5:7]})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, key, matches[0])

	none, err := ds.Query([][]byte{[]byte("nope")})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOperationsOnClosedStoreFail(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestOperationsOnClosedStoreFail")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close()) // idempotent

	_, err = ds.Get([]byte("k"))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.StoreNotOpen))

	err = ds.Put([]byte("k"), []byte("v"), nil, 0, false)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.StoreNotOpen))
}

func TestReopenReconstructsKeyDirFromDataFiles(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestReopenReconstructsKeyDirFromDataFiles")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	require.NoError(t, ds.Put([]byte("a"), []byte("1"), nil, 0, false))
	require.NoError(t, ds.Put([]byte("b"), []byte("2"), nil, 0, false))
	require.NoError(t, ds.Put([]byte("a"), []byte("1-updated"), nil, 0, false))
	require.NoError(t, ds.Remove([]byte("b")))
	require.NoError(t, ds.Close())

	reopened, err := Open(dir, false)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1-updated"), value)

	_, err = reopened.Get([]byte("b"))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.EntryNotFound))
}

func TestSetConfigPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestSetConfigPersistsAcrossReopen")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)

	cfg := ds.GetConfig()
	cfg.DataFileMaxBytes = 2 << 20
	cfg.MergeTriggerDataFileDeadByteThreshold = 1 << 20
	cfg.MergeSelectDataFileDeadByteThreshold = 1 << 19
	cfg.MergeSelectDataFileSmallSizeThreshold = 1 << 20
	require.NoError(t, ds.SetConfig(cfg))
	require.NoError(t, ds.Close())

	reopened, err := Open(dir, false)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2<<20), reopened.GetConfig().DataFileMaxBytes)
}

func TestSecondOpenOfSameDirFailsWhileFirstIsOpen(t *testing.T) {
	t.Parallel()
	dir, cleanup := testing_util.MkdirTemp(t, "TestSecondOpenOfSameDirFailsWhileFirstIsOpen")
	defer cleanup()

	ds, err := Open(dir, true)
	require.NoError(t, err)
	defer ds.Close()

	_, err = Open(dir, true)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.StoreAlreadyInUse))
}
