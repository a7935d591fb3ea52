package datafile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFileEntryRoundTrip(t *testing.T) {
	t.Parallel()

	entry := DataFileEntry{
		TimestampSec: 1_700_000_000,
		TTLSec:       60,
		Key:          []byte("UJohn Doe/CUS/TTax document/0001"),
		Indexes:      []KeyIndex{{StartIdx: 0, Size: 9}, {StartIdx: 10, Size: 3}, {StartIdx: 14, Size: 13}},
		Value:        []byte("some opaque payload"),
	}

	// 16 (header) + 32 (key) + 2*3 (indexes) + 19 (value) = 73
	require.Equal(t, 73, entry.EncodedSize())

	var buf bytes.Buffer
	n, err := entry.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(73), n)

	crc, ts, ttl, keySize, indexQty, valueSize, tombstone, err := DecodeHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, entry.CRC, crc)
	assert.Equal(t, uint32(1_700_000_000), ts)
	assert.Equal(t, uint16(60), ttl)
	assert.Equal(t, uint16(32), keySize)
	assert.Equal(t, uint8(3), indexQty)
	assert.False(t, tombstone)

	decoded, err := ReadEntry(&buf, crc, ts, ttl, keySize, indexQty, valueSize, tombstone)
	require.NoError(t, err)
	assert.Equal(t, entry.Key, decoded.Key)
	assert.Equal(t, entry.Value, decoded.Value)
	assert.Equal(t, entry.Indexes, decoded.Indexes)
	assert.False(t, decoded.Tombstone)
}

func TestDataFileEntryTombstoneHasNoValueBytes(t *testing.T) {
	t.Parallel()

	entry := DataFileEntry{
		TimestampSec: 42,
		Key:          []byte("k"),
		Tombstone:    true,
	}
	// 16 (header) + 1 (key), no value bytes for a tombstone
	assert.Equal(t, 17, entry.EncodedSize())

	var buf bytes.Buffer
	_, err := entry.WriteTo(&buf)
	require.NoError(t, err)

	crc, _, _, keySize, indexQty, valueSize, tombstone, err := DecodeHeader(&buf)
	require.NoError(t, err)
	assert.True(t, tombstone)
	assert.Equal(t, uint32(0), valueSize)

	decoded, err := ReadEntry(&buf, crc, 42, 0, keySize, indexQty, valueSize, tombstone)
	require.NoError(t, err)
	assert.True(t, decoded.Tombstone)
	assert.Empty(t, decoded.Value)
}

func TestDataFileEntryCorruptionDetected(t *testing.T) {
	t.Parallel()

	entry := DataFileEntry{TimestampSec: 1, Key: []byte("key"), Value: []byte("value")}
	var buf bytes.Buffer
	_, err := entry.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a byte inside the value payload

	r := bytes.NewReader(raw)
	crc, ts, ttl, keySize, indexQty, valueSize, tombstone, err := DecodeHeader(r)
	require.NoError(t, err)

	_, err = ReadEntry(r, crc, ts, ttl, keySize, indexQty, valueSize, tombstone)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestHintFileEntryRoundTrip(t *testing.T) {
	t.Parallel()

	entry := HintFileEntry{
		TimestampSec:          1_700_000_001,
		TTLSec:                0,
		ValueOffsetInDataFile: 128,
		ValueSize:             19,
		Key:                   []byte("some-key"),
		Indexes:               []KeyIndex{{StartIdx: 0, Size: 4}},
	}

	var buf bytes.Buffer
	_, err := entry.WriteTo(&buf)
	require.NoError(t, err)

	decoded, err := ReadHintEntry(&buf)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}
