package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func rawKey(v uint64) MapKeyMaterial { return MapKeyMaterial{Raw: u64Bytes(v)} }

func TestMapInsertGetRoundtrip(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := MapNew(h, 8, 8, 2)
	require.NoError(t, err)

	addr, created, err := MapInsert(h, addr, rawKey(1), u64Bytes(100), 8, 8)
	require.NoError(t, err)
	require.True(t, created)

	value, found, err := MapGet(h, addr, rawKey(1), 8, 8)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), getUint64(value))
}

func TestMapInsertExistingKeyOverwritesWithoutGrowingLength(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := MapNew(h, 8, 8, 2)
	require.NoError(t, err)

	addr, _, err = MapInsert(h, addr, rawKey(1), u64Bytes(100), 8, 8)
	require.NoError(t, err)
	addr, created, err := MapInsert(h, addr, rawKey(1), u64Bytes(200), 8, 8)
	require.NoError(t, err)
	require.False(t, created)

	length, err := MapLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), length)

	value, found, err := MapGet(h, addr, rawKey(1), 8, 8)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(200), getUint64(value))
}

func TestMapGetMissingKeyNotFound(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := MapNew(h, 8, 8, 2)
	require.NoError(t, err)

	_, found, err := MapGet(h, addr, rawKey(42), 8, 8)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMapDeleteRemovesEntry(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := MapNew(h, 8, 8, 2)
	require.NoError(t, err)

	addr, _, err = MapInsert(h, addr, rawKey(7), u64Bytes(77), 8, 8)
	require.NoError(t, err)

	deleted, err := MapDelete(h, addr, rawKey(7), 8, 8)
	require.NoError(t, err)
	require.True(t, deleted)

	_, found, err := MapGet(h, addr, rawKey(7), 8, 8)
	require.NoError(t, err)
	require.False(t, found)

	length, err := MapLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), length)
}

func TestMapResizeSurvivesManyInserts(t *testing.T) {
	h := NewHeap(1 << 20)
	addr, err := MapNew(h, 8, 8, 1)
	require.NoError(t, err)

	const n = 200
	for i := uint64(0); i < n; i++ {
		addr, _, err = MapInsert(h, addr, rawKey(i), u64Bytes(i*10), 8, 8)
		require.NoError(t, err)
	}

	length, err := MapLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(n), length)

	for i := uint64(0); i < n; i++ {
		value, found, err := MapGet(h, addr, rawKey(i), 8, 8)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i*10, getUint64(value))
	}
}

func TestMapResizeRehashesDereferencedStringKeys(t *testing.T) {
	h := NewHeap(1 << 20)
	addr, err := MapNew(h, 8, 8, 1)
	require.NoError(t, err)

	strKey := func(s string) MapKeyMaterial {
		strAddr, err := StrFromSlice(h, []byte(s))
		require.NoError(t, err)
		raw := make([]byte, 8)
		strAddr.PackBytes(raw)
		return MapKeyMaterial{Raw: raw, Deref: func(b []byte) ([]byte, error) {
			return StrBytes(h, UnpackAddressBytes(b))
		}}
	}

	const n = 64
	keys := make([]MapKeyMaterial, n)
	for i := 0; i < n; i++ {
		keys[i] = strKey(string(rune('a' + i%26)) + string(rune('A'+i)))
		addr, _, err = MapInsert(h, addr, keys[i], u64Bytes(uint64(i)), 8, 8)
		require.NoError(t, err)
	}

	length, err := MapLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(n), length)

	// By now the map has resized at least once (log_cap started at 1, i.e. 2
	// buckets of 8, 16 cells); every key inserted under the old table's hash must still be
	// reachable under the new one, which only holds if mapResize dereferenced
	// the stored heap-address cells before rehashing rather than hashing the
	// raw pointer bytes.
	for i := 0; i < n; i++ {
		value, found, err := MapGet(h, addr, keys[i], 8, 8)
		require.NoError(t, err)
		require.True(t, found, "key %d lost after resize", i)
		require.Equal(t, uint64(i), getUint64(value))
	}
}

func TestMapClearResetsLength(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := MapNew(h, 8, 8, 2)
	require.NoError(t, err)
	addr, _, err = MapInsert(h, addr, rawKey(3), u64Bytes(33), 8, 8)
	require.NoError(t, err)

	require.NoError(t, MapClear(h, addr, 8, 8))

	length, err := MapLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), length)

	_, found, err := MapGet(h, addr, rawKey(3), 8, 8)
	require.NoError(t, err)
	require.False(t, found)
}
