package vm

import "testing"

func TestStrFromSliceAndBytes(t *testing.T) {
	h := NewHeap(1 << 12)
	addr, err := StrFromSlice(h, []byte("hello"))
	assert(t, err == nil, "str-from-slice failed: %v", err)

	got, err := StrBytes(h, addr)
	assert(t, err == nil, "str-bytes failed: %v", err)
	assert(t, string(got) == "hello", "expected %q, got %q", "hello", string(got))

	length, err := StrLen(h, addr)
	assert(t, err == nil, "str-len failed: %v", err)
	assert(t, length == 5, "expected length 5, got %d", length)
}

func TestStrAppendGrowsAndConcatenates(t *testing.T) {
	h := NewHeap(1 << 12)
	addr, err := StrFromSlice(h, []byte("foo"))
	assert(t, err == nil, "str-from-slice failed: %v", err)

	addr, err = StrAppend(h, addr, []byte("barbaz"))
	assert(t, err == nil, "str-append failed: %v", err)

	got, err := StrBytes(h, addr)
	assert(t, err == nil, "str-bytes failed: %v", err)
	assert(t, string(got) == "foobarbaz", "expected %q, got %q", "foobarbaz", string(got))
}

func TestStrCharAtWalksRunesNotBytes(t *testing.T) {
	h := NewHeap(1 << 12)
	addr, err := StrFromSlice(h, []byte("aéb")) // a, e-acute (2 bytes), b
	assert(t, err == nil, "str-from-slice failed: %v", err)

	r, err := StrCharAt(h, addr, 1)
	assert(t, err == nil, "str-char-at failed: %v", err)
	assert(t, r == 'é', "expected the multi-byte rune at index 1, got %q", r)

	r, err = StrCharAt(h, addr, 2)
	assert(t, err == nil, "str-char-at failed: %v", err)
	assert(t, r == 'b', "expected 'b' at index 2, got %q", r)
}

func TestStrCharAtOutOfRange(t *testing.T) {
	h := NewHeap(1 << 12)
	addr, err := StrFromSlice(h, []byte("hi"))
	assert(t, err == nil, "str-from-slice failed: %v", err)

	_, err = StrCharAt(h, addr, 10)
	assert(t, err != nil, "expected out-of-range error")
	rerr, ok := err.(*RuntimeError)
	assert(t, ok, "expected *RuntimeError, got %T", err)
	assert(t, rerr.Kind == ErrIndexOutOfBound, "expected ErrIndexOutOfBound, got %s", rerr.Kind)
}

func TestStrEqualComparesPayloadNotAddress(t *testing.T) {
	h := NewHeap(1 << 12)
	a, err := StrFromSlice(h, []byte("same"))
	assert(t, err == nil, "str-from-slice failed: %v", err)
	b, err := StrFromSlice(h, []byte("same"))
	assert(t, err == nil, "str-from-slice failed: %v", err)

	eq, err := StrEqual(h, a, b)
	assert(t, err == nil, "str-equal failed: %v", err)
	assert(t, eq, "expected two distinct heap strings with the same payload to compare equal")

	c, err := StrFromSlice(h, []byte("different"))
	assert(t, err == nil, "str-from-slice failed: %v", err)
	eq, err = StrEqual(h, a, c)
	assert(t, err == nil, "str-equal failed: %v", err)
	assert(t, !eq, "expected differing payloads to compare unequal")
}
