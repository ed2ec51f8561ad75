package vm

// Vector is the growable, heap-allocated container from §4.5:
//
//	capacity:u64, length:u64, elements:[size*capacity bytes]
//
// VEC_HEADER = 16. Every op below takes the element size as a parameter
// since the instruction set is size-polymorphic (§4.3) - there is one
// generic vector runtime, not one per element type.
const VecHeaderSize = 16

func vecCapacity(h *Heap, addr MemoryAddress) (uint64, error) {
	b, err := h.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

func vecLength(h *Heap, addr MemoryAddress) (uint64, error) {
	b, err := h.Read(addr.Add(8), 8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

func vecSetCapacity(h *Heap, addr MemoryAddress, cap uint64) error {
	var b [8]byte
	putUint64(b[:], cap)
	return h.Write(addr, b[:])
}

func vecSetLength(h *Heap, addr MemoryAddress, length uint64) error {
	var b [8]byte
	putUint64(b[:], length)
	return h.Write(addr.Add(8), b[:])
}

// VecNew allocates an empty vector with room for `capacity` elements of
// `elemSize` bytes each.
func VecNew(h *Heap, elemSize, capacity uint64) (MemoryAddress, error) {
	addr, err := h.Alloc(VecHeaderSize + elemSize*capacity)
	if err != nil {
		return MemoryAddress{}, err
	}
	if err := vecSetCapacity(h, addr, capacity); err != nil {
		return MemoryAddress{}, err
	}
	if err := vecSetLength(h, addr, 0); err != nil {
		return MemoryAddress{}, err
	}
	return addr, nil
}

func vecElemAddr(addr MemoryAddress, elemSize, index uint64) MemoryAddress {
	return addr.Add(VecHeaderSize + elemSize*index)
}

// VecPush appends one element, growing (2*(length+1)) when length+1 would
// meet or exceed capacity (§4.5).
func VecPush(h *Heap, addr MemoryAddress, elemSize uint64, elem []byte) (MemoryAddress, error) {
	length, err := vecLength(h, addr)
	if err != nil {
		return addr, err
	}
	capacity, err := vecCapacity(h, addr)
	if err != nil {
		return addr, err
	}

	if length+1 >= capacity {
		newCap := 2 * (length + 1)
		newAddr, err := h.Realloc(addr, VecHeaderSize+elemSize*newCap)
		if err != nil {
			return addr, err
		}
		addr = newAddr
		if err := vecSetCapacity(h, addr, newCap); err != nil {
			return addr, err
		}
	}

	if err := h.Write(vecElemAddr(addr, elemSize, length), elem); err != nil {
		return addr, err
	}
	if err := vecSetLength(h, addr, length+1); err != nil {
		return addr, err
	}
	return addr, nil
}

// VecPop reads and removes the last element. Popping an empty vector is
// IndexOutOfBound.
func VecPop(h *Heap, addr MemoryAddress, elemSize uint64) ([]byte, error) {
	length, err := vecLength(h, addr)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, newErr(ErrIndexOutOfBound, "vec-pop", nil)
	}
	elem, err := h.Read(vecElemAddr(addr, elemSize, length-1), elemSize)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), elem...)
	if err := vecSetLength(h, addr, length-1); err != nil {
		return nil, err
	}
	return out, nil
}

// VecGet reads element i without bounds-checking leniency: i >= length is
// IndexOutOfBound.
func VecGet(h *Heap, addr MemoryAddress, elemSize, index uint64) ([]byte, error) {
	length, err := vecLength(h, addr)
	if err != nil {
		return nil, err
	}
	if index >= length {
		return nil, newErr(ErrIndexOutOfBound, "vec-get", nil)
	}
	return h.Read(vecElemAddr(addr, elemSize, index), elemSize)
}

func VecSet(h *Heap, addr MemoryAddress, elemSize, index uint64, data []byte) error {
	length, err := vecLength(h, addr)
	if err != nil {
		return err
	}
	if index >= length {
		return newErr(ErrIndexOutOfBound, "vec-set", nil)
	}
	return h.Write(vecElemAddr(addr, elemSize, index), data)
}

// VecDelete removes element i, shifting [i+1, length) down by one (§4.5).
func VecDelete(h *Heap, addr MemoryAddress, elemSize, index uint64) error {
	length, err := vecLength(h, addr)
	if err != nil {
		return err
	}
	if index >= length {
		return newErr(ErrIndexOutOfBound, "vec-delete", nil)
	}
	if index < length-1 {
		tail, err := h.Read(vecElemAddr(addr, elemSize, index+1), elemSize*(length-index-1))
		if err != nil {
			return err
		}
		moved := append([]byte(nil), tail...)
		if err := h.Write(vecElemAddr(addr, elemSize, index), moved); err != nil {
			return err
		}
	}
	return vecSetLength(h, addr, length-1)
}

// VecExtend reallocates to fit if needed and copies `data` (len(data)/elemSize
// elements) in one write, starting right after the current length.
func VecExtend(h *Heap, addr MemoryAddress, elemSize uint64, data []byte) (MemoryAddress, error) {
	n := uint64(len(data)) / elemSize
	length, err := vecLength(h, addr)
	if err != nil {
		return addr, err
	}
	capacity, err := vecCapacity(h, addr)
	if err != nil {
		return addr, err
	}

	if length+n > capacity {
		newCap := length + n
		newAddr, err := h.Realloc(addr, VecHeaderSize+elemSize*newCap)
		if err != nil {
			return addr, err
		}
		addr = newAddr
		if err := vecSetCapacity(h, addr, newCap); err != nil {
			return addr, err
		}
	}

	if err := h.Write(vecElemAddr(addr, elemSize, length), data); err != nil {
		return addr, err
	}
	if err := vecSetLength(h, addr, length+n); err != nil {
		return addr, err
	}
	return addr, nil
}

// VecClear zeroes the element region and resets length to 0, keeping
// capacity.
func VecClear(h *Heap, addr MemoryAddress, elemSize uint64) error {
	capacity, err := vecCapacity(h, addr)
	if err != nil {
		return err
	}
	zero := make([]byte, elemSize*capacity)
	if err := h.Write(vecElemAddr(addr, elemSize, 0), zero); err != nil {
		return err
	}
	return vecSetLength(h, addr, 0)
}

func VecLen(h *Heap, addr MemoryAddress) (uint64, error) { return vecLength(h, addr) }
func VecCap(h *Heap, addr MemoryAddress) (uint64, error) { return vecCapacity(h, addr) }
