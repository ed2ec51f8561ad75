package vm

import "unicode/utf8"

// A String has the identical layout to a Vector of bytes (§4.5): the same
// capacity/length/elements header, just with element size fixed at 1.

// StrFromSlice constructs a heap String by copying an interned str-slice's
// bytes; capacity is set to 2*length per §4.5 (2 for an empty slice).
func StrFromSlice(h *Heap, data []byte) (MemoryAddress, error) {
	length := uint64(len(data))
	capacity := 2 * length
	if capacity == 0 {
		capacity = 2
	}
	addr, err := VecNew(h, 1, capacity)
	if err != nil {
		return MemoryAddress{}, err
	}
	if length > 0 {
		if err := h.Write(vecElemAddr(addr, 1, 0), data); err != nil {
			return MemoryAddress{}, err
		}
	}
	if err := vecSetLength(h, addr, length); err != nil {
		return MemoryAddress{}, err
	}
	return addr, nil
}

// StrAppend appends an interned str-slice's bytes; when they do not fit it
// reallocates to twice the new length.
func StrAppend(h *Heap, addr MemoryAddress, data []byte) (MemoryAddress, error) {
	length, err := vecLength(h, addr)
	if err != nil {
		return addr, err
	}
	capacity, err := vecCapacity(h, addr)
	if err != nil {
		return addr, err
	}
	newLength := length + uint64(len(data))
	if newLength > capacity {
		newCap := 2 * newLength
		newAddr, err := h.Realloc(addr, VecHeaderSize+newCap)
		if err != nil {
			return addr, err
		}
		addr = newAddr
		if err := vecSetCapacity(h, addr, newCap); err != nil {
			return addr, err
		}
	}
	if err := h.Write(vecElemAddr(addr, 1, length), data); err != nil {
		return addr, err
	}
	if err := vecSetLength(h, addr, newLength); err != nil {
		return addr, err
	}
	return addr, nil
}

// StrBytes returns the raw UTF-8 payload of a heap string.
func StrBytes(h *Heap, addr MemoryAddress) ([]byte, error) {
	length, err := vecLength(h, addr)
	if err != nil {
		return nil, err
	}
	return h.Read(vecElemAddr(addr, 1, 0), length)
}

// StrCharAt walks UTF-8 code points to find the i-th rune; out-of-range is
// IndexOutOfBound (§4.5).
func StrCharAt(h *Heap, addr MemoryAddress, index uint64) (rune, error) {
	raw, err := StrBytes(h, addr)
	if err != nil {
		return 0, err
	}
	var i uint64
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size <= 1 {
			return 0, newErr(ErrDeserialization, "str-char-at", causeBadUTF8)
		}
		if i == index {
			return r, nil
		}
		raw = raw[size:]
		i++
	}
	return 0, newErr(ErrIndexOutOfBound, "str-char-at", nil)
}

// StrLen returns the byte length of a heap string (not rune count, matching
// the Vector-of-bytes layout the header tracks).
func StrLen(h *Heap, addr MemoryAddress) (uint64, error) { return vecLength(h, addr) }

// StrEqual/StrNotEqual dereference both heap strings and compare payload
// bytes. The open question in spec.md §9 about pop order is resolved here:
// callers (exec.go) always pop right-then-left, matching normal stack
// evaluation order, and this function's signature enforces that by naming
// its parameters left/right rather than accepting a pop order.
func StrEqual(h *Heap, left, right MemoryAddress) (bool, error) {
	a, err := StrBytes(h, left)
	if err != nil {
		return false, err
	}
	b, err := StrBytes(h, right)
	if err != nil {
		return false, err
	}
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		if a[i] != b[i] {
			return false, nil
		}
	}
	return true, nil
}
