package datafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testing_util "github.com/litecask-go/litecask/util/testing"
)

func TestFileAppendAndRecover(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestFileAppendAndRecover")
	defer cleanup()

	path := filepath.Join(dir, "0.data")
	f, err := Create(path, 0)
	require.NoError(t, err)
	defer f.Close()

	e1 := DataFileEntry{TimestampSec: 10, Key: []byte("alpha"), Value: []byte("one")}
	e2 := DataFileEntry{TimestampSec: 20, Key: []byte("beta"), Value: []byte("two")}

	off1, err := f.Append(&e1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off1)

	off2, err := f.Append(&e2)
	require.NoError(t, err)
	assert.Equal(t, uint64(e1.EncodedSize()), off2)

	got1, err := f.ReadEntryAt(off1)
	require.NoError(t, err)
	assert.Equal(t, e1.Key, got1.Key)
	assert.Equal(t, e1.Value, got1.Value)

	var offsets []uint64
	var keys []string
	for loaded, err := range f.Entries() {
		require.NoError(t, err)
		offsets = append(offsets, loaded.Offset)
		keys = append(keys, string(loaded.Entry.Key))
	}
	assert.Equal(t, []uint64{off1, off2}, offsets)
	assert.Equal(t, []string{"alpha", "beta"}, keys)
}

func TestFileTruncatesPartialTailOnRecovery(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestFileTruncatesPartialTailOnRecovery")
	defer cleanup()

	path := filepath.Join(dir, "0.data")
	f, err := Create(path, 0)
	require.NoError(t, err)

	e1 := DataFileEntry{TimestampSec: 1, Key: []byte("k1"), Value: []byte("v1")}
	_, err = f.Append(&e1)
	require.NoError(t, err)
	fullSize := f.Size()
	require.NoError(t, f.Close())

	// Simulate a crash mid-write: append a few garbage bytes that look like
	// the start of another record but never complete.
	raw, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = raw.Write([]byte{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	reopened, err := OpenForAppend(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	truncatedSize, err := reopened.TruncateToLastValid()
	require.NoError(t, err)
	assert.Equal(t, fullSize, truncatedSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(fullSize), info.Size())
}

func TestSealedFileReadsThroughMapping(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSealedFileReadsThroughMapping")
	defer cleanup()

	path := filepath.Join(dir, "0.data")
	f, err := Create(path, 0)
	require.NoError(t, err)

	e1 := DataFileEntry{TimestampSec: 1, Key: []byte("k1"), Value: []byte("v1")}
	e2 := DataFileEntry{TimestampSec: 2, Key: []byte("k2"), Value: []byte("v2")}
	off1, err := f.Append(&e1)
	require.NoError(t, err)
	_, err = f.Append(&e2)
	require.NoError(t, err)
	require.NoError(t, f.Seal())
	defer f.Close()

	got, err := f.ReadEntryAt(off1)
	require.NoError(t, err)
	assert.Equal(t, e1.Key, got.Key)
	assert.Equal(t, e1.Value, got.Value)

	var keys []string
	for loaded, err := range f.Entries() {
		require.NoError(t, err)
		keys = append(keys, string(loaded.Entry.Key))
	}
	assert.Equal(t, []string{"k1", "k2"}, keys)

	reopened, err := OpenReadOnly(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	var reopenedKeys []string
	for loaded, err := range reopened.Entries() {
		require.NoError(t, err)
		reopenedKeys = append(reopenedKeys, string(loaded.Entry.Key))
	}
	assert.Equal(t, []string{"k1", "k2"}, reopenedKeys)
}

func TestHintFileWriteAndLoad(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestHintFileWriteAndLoad")
	defer cleanup()

	path := filepath.Join(dir, "0.hint")
	entries := []HintFileEntry{
		{TimestampSec: 1, ValueSize: 3, ValueOffsetInDataFile: 0, Key: []byte("a")},
		{TimestampSec: 2, Tombstone: true, ValueOffsetInDataFile: 40, Key: []byte("b")},
	}
	require.NoError(t, WriteHintFile(path, entries))

	loaded, err := LoadHintFile(path)
	require.NoError(t, err)
	assert.Equal(t, entries, loaded)
}
