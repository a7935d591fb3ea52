package tagindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndQuerySingleTag(t *testing.T) {
	t.Parallel()

	ti := New()
	ti.Add([]byte("CUS"), 1)
	ti.Add([]byte("CUS"), 2)
	ti.Add([]byte("VEN"), 3)

	got := ti.Query([][]byte{[]byte("CUS")})
	assert.ElementsMatch(t, []KeyId{1, 2}, got)
}

func TestQueryIntersectsAcrossTags(t *testing.T) {
	t.Parallel()

	ti := New()
	ti.Add([]byte("CUS"), 1)
	ti.Add([]byte("CUS"), 2)
	ti.Add([]byte("CUS"), 3)
	ti.Add([]byte("TAX"), 2)
	ti.Add([]byte("TAX"), 3)
	ti.Add([]byte("TAX"), 4)

	got := ti.Query([][]byte{[]byte("CUS"), []byte("TAX")})
	assert.ElementsMatch(t, []KeyId{2, 3}, got)
}

func TestRemoveExcludesFromQuery(t *testing.T) {
	t.Parallel()

	ti := New()
	ti.Add([]byte("CUS"), 1)
	ti.Add([]byte("CUS"), 2)
	ti.Remove([]byte("CUS"), 1)

	got := ti.Query([][]byte{[]byte("CUS")})
	assert.Equal(t, []KeyId{2}, got)
	assert.Equal(t, 1, ti.Count([]byte("CUS")))
}

func TestCleanBatchCompactsDeadEntries(t *testing.T) {
	t.Parallel()

	ti := New()
	for i := KeyId(0); i < 100; i++ {
		ti.Add([]byte("CUS"), i)
	}
	for i := KeyId(0); i < 50; i++ {
		ti.Remove([]byte("CUS"), i)
	}

	ti.CleanBatch(10)
	c := ti.Counters()
	require.Equal(t, uint64(1), c.IndexArrayCleaningQty)
	assert.Equal(t, uint64(50), c.IndexArrayCleanedEntries)

	got := ti.Query([][]byte{[]byte("CUS")})
	assert.Len(t, got, 50)
}

func TestQueryEmptyWhenAnyTagHasNoLiveMembers(t *testing.T) {
	t.Parallel()

	ti := New()
	ti.Add([]byte("CUS"), 1)

	got := ti.Query([][]byte{[]byte("CUS"), []byte("NOPE")})
	assert.Empty(t, got)
}
