package filetable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecask-go/litecask/internal/datafile"
	testing_util "github.com/litecask-go/litecask/util/testing"
)

func TestAppendActiveCreatesFirstFile(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestAppendActiveCreatesFirstFile")
	defer cleanup()

	tbl := New(dir, 1<<20)
	entry := &datafile.DataFileEntry{TimestampSec: 1, Key: []byte("k"), Value: []byte("v")}

	res, err := tbl.AppendActive(entry)
	require.NoError(t, err)
	assert.True(t, res.CreatedNew)
	assert.False(t, res.HadOld)
	assert.Equal(t, uint16(0), res.FileID)
	assert.Equal(t, uint64(0), res.Offset)
}

func TestAppendActiveSwitchesOnSizeLimit(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestAppendActiveSwitchesOnSizeLimit")
	defer cleanup()

	entry := &datafile.DataFileEntry{TimestampSec: 1, Key: []byte("0123"), Value: make([]byte, 128)}
	tbl := New(dir, uint64(entry.EncodedSize())) // only room for exactly one record

	res1, err := tbl.AppendActive(entry)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), res1.FileID)

	res2, err := tbl.AppendActive(entry)
	require.NoError(t, err)
	assert.True(t, res2.HadOld)
	assert.Equal(t, uint16(0), res2.SealedOldID)
	assert.Equal(t, uint16(1), res2.FileID)

	assert.Len(t, tbl.Sealed(), 1)
}

func TestSealActiveForMergeAndInstallMerged(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSealActiveForMergeAndInstallMerged")
	defer cleanup()

	tbl := New(dir, 1<<20)
	entry := &datafile.DataFileEntry{TimestampSec: 1, Key: []byte("k"), Value: []byte("v")}
	_, err := tbl.AppendActive(entry)
	require.NoError(t, err)

	sealed, err := tbl.SealActiveForMerge()
	require.NoError(t, err)
	require.NotNil(t, sealed)
	assert.Equal(t, uint16(0), sealed.Id)
	assert.NotNil(t, tbl.Active())
	assert.NotEqual(t, uint16(0), tbl.Active().Id)

	newFile, err := datafile.Create(filepath.Join(dir, "5.data"), 5)
	require.NoError(t, err)

	require.NoError(t, tbl.InstallMerged([]uint16{0}, []*datafile.File{newFile}))
	_, ok := tbl.Get(0)
	assert.False(t, ok)
	_, ok = tbl.Get(5)
	assert.True(t, ok)
}
