package vm

import "sort"

// Heap is the fixed-size free-list byte arena described in §3/§4.1. Every
// allocation is rounded up to 8 bytes; a block survives until explicitly
// freed and realloc may relocate it.
//
// There is no example repo in the pack that implements a generic
// byte-arena free-list allocator exposed this way (the teacher VM has no
// heap at all), so this is built directly from the spec's allocator
// contract rather than grounded in a third-party library - see DESIGN.md.
type Heap struct {
	buf   []byte
	used  map[uint64]uint64 // offset -> size, for allocated blocks
	free  []freeBlock        // sorted by offset, merged on Free
}

type freeBlock struct {
	offset uint64
	size   uint64
}

// NewHeap allocates a Heap with the given maximum size (HEAP_SIZE).
func NewHeap(size uint64) *Heap {
	return &Heap{
		buf:  make([]byte, size),
		used: make(map[uint64]uint64),
		free: []freeBlock{{offset: 0, size: size}},
	}
}

func (h *Heap) Len() uint64 { return uint64(len(h.buf)) }

// Alloc reserves size bytes (rounded up to 8) and returns its address.
func (h *Heap) Alloc(size uint64) (MemoryAddress, error) {
	size = alignUp8(size)
	if size == 0 {
		size = 8
	}

	for i, blk := range h.free {
		if blk.size >= size {
			offset := blk.offset
			if blk.size == size {
				h.free = append(h.free[:i], h.free[i+1:]...)
			} else {
				h.free[i] = freeBlock{offset: offset + size, size: blk.size - size}
			}
			h.used[offset] = size
			return MemoryAddress{Region: RegionHeap, Offset: offset}, nil
		}
	}

	return MemoryAddress{}, newErr(ErrHeap, "alloc", causeOutOfMemory)
}

// Free releases a previously allocated block back to the free list, merging
// it with adjacent free neighbors.
func (h *Heap) Free(addr MemoryAddress) error {
	size, ok := h.used[addr.Offset]
	if !ok {
		return newErr(ErrHeap, "free", causeUnknownAddress)
	}
	delete(h.used, addr.Offset)
	h.insertFree(freeBlock{offset: addr.Offset, size: size})
	return nil
}

func (h *Heap) insertFree(blk freeBlock) {
	h.free = append(h.free, blk)
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].offset < h.free[j].offset })

	merged := h.free[:0]
	for _, b := range h.free {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.offset+last.size == b.offset {
				last.size += b.size
				continue
			}
		}
		merged = append(merged, b)
	}
	h.free = merged
}

// Realloc resizes the block at oldAddr to newSize, possibly relocating it.
// Content up to min(old,new) size is preserved.
func (h *Heap) Realloc(oldAddr MemoryAddress, newSize uint64) (MemoryAddress, error) {
	oldSize, ok := h.used[oldAddr.Offset]
	if !ok {
		return MemoryAddress{}, newErr(ErrHeap, "realloc", causeUnknownAddress)
	}

	newSize = alignUp8(newSize)
	if newSize == 0 {
		newSize = 8
	}
	if newSize <= oldSize {
		h.used[oldAddr.Offset] = newSize
		if newSize < oldSize {
			h.insertFree(freeBlock{offset: oldAddr.Offset + newSize, size: oldSize - newSize})
		}
		return oldAddr, nil
	}

	newAddr, err := h.Alloc(newSize)
	if err != nil {
		return MemoryAddress{}, err
	}
	copy(h.buf[newAddr.Offset:], h.buf[oldAddr.Offset:oldAddr.Offset+oldSize])
	delete(h.used, oldAddr.Offset)
	h.insertFree(freeBlock{offset: oldAddr.Offset, size: oldSize})
	return newAddr, nil
}

// Read returns a slice of n bytes at addr. The slice aliases the heap
// buffer, matching read_slice (borrow) in §3.
func (h *Heap) Read(addr MemoryAddress, n uint64) ([]byte, error) {
	if addr.Offset+n > uint64(len(h.buf)) {
		return nil, newErr(ErrMemoryViolation, "heap-read", nil)
	}
	return h.buf[addr.Offset : addr.Offset+n], nil
}

func (h *Heap) Write(addr MemoryAddress, data []byte) error {
	if addr.Offset+uint64(len(data)) > uint64(len(h.buf)) {
		return newErr(ErrMemoryViolation, "heap-write", nil)
	}
	copy(h.buf[addr.Offset:], data)
	return nil
}

// Size returns the allocated size of the block at addr, used by containers
// that need to know their own header capacity (e.g. vector realloc).
func (h *Heap) Size(addr MemoryAddress) (uint64, bool) {
	size, ok := h.used[addr.Offset]
	return size, ok
}
