package vm

import (
	"encoding/binary"
	"math"
)

// Little-endian byte<->number helpers, one pair per width. Mirrors the
// teacher's uint32FromBytes/uint32ToBytes (vm/vm.go) generalized from the
// single 32-bit architecture to the widths §6 requires on the wire.

func getUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

func getUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func getUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func getInt8(b []byte) int8   { return int8(b[0]) }
func getInt16(b []byte) int16 { return int16(getUint16(b)) }
func getInt32(b []byte) int32 { return int32(getUint32(b)) }
func getInt64(b []byte) int64 { return int64(getUint64(b)) }

func getFloat64(b []byte) float64   { return math.Float64frombits(getUint64(b)) }
func putFloat64(b []byte, f float64) { putUint64(b, math.Float64bits(f)) }

func getBool(b []byte) bool { return b[0] != 0 }
func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// alignUp8 rounds n up to the nearest multiple of 8, per §4.1 "all
// allocation sizes are rounded up to 8 bytes".
func alignUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}
