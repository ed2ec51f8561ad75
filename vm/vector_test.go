package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func u64Bytes(v uint64) []byte {
	var b [8]byte
	putUint64(b[:], v)
	return b[:]
}

func TestVecPushGrowsAndPreservesElements(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 0)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		addr, err = VecPush(h, addr, 8, u64Bytes(i))
		require.NoError(t, err)
	}

	length, err := VecLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(10), length)

	for i := uint64(0); i < 10; i++ {
		elem, err := VecGet(h, addr, 8, i)
		require.NoError(t, err)
		require.Equal(t, i, getUint64(elem))
	}
}

func TestVecPopReturnsLastAndShrinksLength(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 4)
	require.NoError(t, err)
	addr, err = VecPush(h, addr, 8, u64Bytes(11))
	require.NoError(t, err)
	addr, err = VecPush(h, addr, 8, u64Bytes(22))
	require.NoError(t, err)

	elem, err := VecPop(h, addr, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(22), getUint64(elem))

	length, err := VecLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), length)
}

func TestVecPopEmptyIsIndexOutOfBound(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 0)
	require.NoError(t, err)

	_, err = VecPop(h, addr, 8)
	require.Error(t, err)
	rerr, ok := err.(*RuntimeError)
	require.True(t, ok)
	require.Equal(t, ErrIndexOutOfBound, rerr.Kind)
}

func TestVecDeleteShiftsTail(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 4)
	require.NoError(t, err)
	for _, v := range []uint64{1, 2, 3} {
		addr, err = VecPush(h, addr, 8, u64Bytes(v))
		require.NoError(t, err)
	}

	require.NoError(t, VecDelete(h, addr, 8, 1))

	length, err := VecLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), length)

	first, err := VecGet(h, addr, 8, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), getUint64(first))

	second, err := VecGet(h, addr, 8, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), getUint64(second))
}

func TestVecExtendAppendsAllElements(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 0)
	require.NoError(t, err)

	data := append(u64Bytes(100), u64Bytes(200)...)
	addr, err = VecExtend(h, addr, 8, data)
	require.NoError(t, err)

	length, err := VecLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), length)

	second, err := VecGet(h, addr, 8, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), getUint64(second))
}

func TestVecClearResetsLengthKeepsCapacity(t *testing.T) {
	h := NewHeap(1 << 16)
	addr, err := VecNew(h, 8, 4)
	require.NoError(t, err)
	addr, err = VecPush(h, addr, 8, u64Bytes(9))
	require.NoError(t, err)

	capBefore, err := VecCap(h, addr)
	require.NoError(t, err)

	require.NoError(t, VecClear(h, addr, 8))

	length, err := VecLen(h, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), length)

	capAfter, err := VecCap(h, addr)
	require.NoError(t, err)
	require.Equal(t, capBefore, capAfter)
}
