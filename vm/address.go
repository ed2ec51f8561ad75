package vm

// Region tags one of the four memory areas a MemoryAddress can point into.
// The order matters: it is also the tag packed into the upper bits of the
// 8-byte on-stack encoding (see PackAddress/UnpackAddress).
type Region byte

const (
	RegionStack Region = iota
	RegionFrame
	RegionGlobal
	RegionHeap
)

func (r Region) String() string {
	switch r {
	case RegionStack:
		return "stack"
	case RegionFrame:
		return "frame"
	case RegionGlobal:
		return "global"
	case RegionHeap:
		return "heap"
	default:
		return "?region?"
	}
}

// PointerSize is POINTER_SIZE from the glossary: every address, on the wire
// and in registers, is 8 bytes.
const PointerSize = 8

// regionTagShift packs the 2-bit region tag into the top of the 64-bit word,
// leaving 62 bits of offset - vastly more than STACK_SIZE/HEAP_SIZE ever need.
const regionTagShift = 62

// MemoryAddress is the tagged (region, offset) pair described in §3. It is
// the core's only way of naming a byte inside Stack, a Frame, Globals or the
// Heap; regions never alias, so two addresses with different Region values
// are never equal even at offset 0.
type MemoryAddress struct {
	Region Region
	Offset uint64
}

// NullAddress is never a valid alloc result; used as the zero value / "no
// address" sentinel by callers that need one (e.g. an empty closure slot).
var NullAddress = MemoryAddress{Region: RegionHeap, Offset: ^uint64(0)}

func (a MemoryAddress) IsNull() bool { return a == NullAddress }

func (a MemoryAddress) Add(n uint64) MemoryAddress {
	return MemoryAddress{Region: a.Region, Offset: a.Offset + n}
}

// Pack encodes the address into the 8-byte on-stack wire form: 2-bit region
// tag in the high bits, offset in the remainder. This is the only place the
// core round-trips an address through a bare uint64, per the design note in
// spec.md §9 ("pack for stack transit, use a tagged variant elsewhere").
func (a MemoryAddress) Pack() uint64 {
	return (uint64(a.Region) << regionTagShift) | (a.Offset &^ (uint64(0x3) << regionTagShift))
}

// Unpack reverses Pack.
func UnpackAddress(word uint64) MemoryAddress {
	region := Region(word >> regionTagShift)
	offset := word &^ (uint64(0x3) << regionTagShift)
	return MemoryAddress{Region: region, Offset: offset}
}

// PackBytes/UnpackBytes move a packed address to/from its little-endian wire
// representation (§6 "Memory layouts on the wire: Pointer: 8-byte tagged
// region + offset").
func (a MemoryAddress) PackBytes(dst []byte) {
	putUint64(dst, a.Pack())
}

func UnpackAddressBytes(src []byte) MemoryAddress {
	return UnpackAddress(getUint64(src))
}
