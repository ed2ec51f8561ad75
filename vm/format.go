package vm

import (
	"bytes"
	"fmt"
	"strconv"
)

// This file is the runtime side of the formatting sub-instruction family
// (§4.6): the per-opcode handlers in exec.go call these helpers and drive
// the resulting bytes through a FormatBuilder, exactly the way vector.go and
// strval.go are the runtime side of the Vector/String op families.
//
// A formatted value is built as a single growing byte buffer rather than a
// literal stack of (bytes,length) segment pairs: InsertBefore/Merge/Wrap are
// expressed as splices against that one buffer, keyed off the length marks
// the code generator already has to track (the "still unrendered prefix"
// size), so the externally-visible behavior matches the spec while the
// internal representation stays a flat []byte instead of a segment tree.

// FormatBuilder accumulates one formatted value (or one printf stream).
type FormatBuilder struct {
	buf []byte
}

func NewFormatBuilder() *FormatBuilder { return &FormatBuilder{} }

// Mark returns the current length, to be handed back to Wrap once the
// caller has pushed the region that needs wrapping.
func (f *FormatBuilder) Mark() uint64 { return uint64(len(f.buf)) }

func (f *FormatBuilder) Len() uint64 { return uint64(len(f.buf)) }

func (f *FormatBuilder) Bytes() []byte { return f.buf }

// Push appends raw bytes and returns the new length.
func (f *FormatBuilder) Push(b []byte) uint64 {
	f.buf = append(f.buf, b...)
	return f.Len()
}

func (f *FormatBuilder) PushStr(s string) uint64 { return f.Push([]byte(s)) }

// InsertBefore splices b in immediately before the last prevSize bytes of
// the buffer - the mechanism tuples/structs use to render back-to-front
// while still producing a left-to-right result.
func (f *FormatBuilder) InsertBefore(prevSize uint64, b []byte) uint64 {
	pos := uint64(len(f.buf)) - prevSize
	tail := append([]byte(nil), f.buf[pos:]...)
	f.buf = append(f.buf[:pos], append(append([]byte(nil), b...), tail...)...)
	return f.Len()
}

func (f *FormatBuilder) PushStrBefore(prevSize uint64, s string) uint64 {
	return f.InsertBefore(prevSize, []byte(s))
}

// TakeTail removes and returns the last n bytes of the buffer, shrinking it.
// Used by FmtInsertBefore to lift a just-pushed piece back out before
// splicing it in earlier in the buffer.
func (f *FormatBuilder) TakeTail(n uint64) []byte {
	pos := uint64(len(f.buf)) - n
	piece := append([]byte(nil), f.buf[pos:]...)
	f.buf = f.buf[:pos]
	return piece
}

// Merge is a no-op against the flat buffer: the n pieces it logically
// collapses are already contiguous. It exists so the code generator can
// emit the same op sequence the spec describes without the runtime needing
// to track a literal segment stack.
func (f *FormatBuilder) Merge(n int) uint64 { return f.Len() }

// Wrap wraps everything pushed since mark with prefix/suffix.
func (f *FormatBuilder) Wrap(mark uint64, prefix, suffix string) uint64 {
	inner := append([]byte(nil), f.buf[mark:]...)
	f.buf = append(f.buf[:mark], prefix...)
	f.buf = append(f.buf, inner...)
	f.buf = append(f.buf, suffix...)
	return f.Len()
}

// WrapResult wraps everything pushed since mark as "Ok(..)" or "Err(..)",
// the OK_SLICE/ERROR_SLICE rendering convention original_source's formatter
// applies to a Result/Option-shaped value that spec.md's distillation of
// §4.6 otherwise leaves unspecified.
func (f *FormatBuilder) WrapResult(mark uint64, ok bool) uint64 {
	if ok {
		return f.Wrap(mark, "Ok(", ")")
	}
	return f.Wrap(mark, "Err(", ")")
}

// IndentNested re-indents every line after the first one pushed since mark
// by one extra level (two spaces); the first line is left as is, since it
// continues the line the mark was taken on. This way a struct/tuple rendered inside another aggregate's fields
// lines up under its parent instead of flush against the left margin - the
// nested-aggregate indentation original_source's formatter applies that the
// distilled spec.md's §4.6 drops.
func (f *FormatBuilder) IndentNested(mark uint64) uint64 {
	region := append([]byte(nil), f.buf[mark:]...)
	indented := bytes.ReplaceAll(region, []byte("\n"), []byte("\n  "))
	f.buf = append(f.buf[:mark], indented...)
	return f.Len()
}

// --- primitive renderers (xTOA family) ---

func FormatUint(v uint64) []byte  { return []byte(strconv.FormatUint(v, 10)) }
func FormatInt(v int64) []byte    { return []byte(strconv.FormatInt(v, 10)) }
func FormatFloat(v float64) []byte { return []byte(strconv.FormatFloat(v, 'g', -1, 64)) }

func FormatBool(v bool) []byte {
	if v {
		return []byte("true")
	}
	return []byte("false")
}

func FormatChar(r rune) []byte { return []byte(string(r)) }

// FormatErrorCode renders ETOA: zero is OK, anything else is ERROR.
func FormatErrorCode(code byte) []byte {
	if code == 0 {
		return []byte("OK")
	}
	return []byte("ERROR")
}

// FormatAddressHex renders U64TOH: a bare address as hex, no type prefix.
func FormatAddressHex(a MemoryAddress) []byte {
	return []byte(fmt.Sprintf("0x%x", a.Offset))
}

// FormatQuotedString wraps string/str-slice payload bytes in double quotes.
func FormatQuotedString(s []byte) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	out = append(out, s...)
	out = append(out, '"')
	return out
}

// FormatTypedAddress renders the generic "<type-name>@<hex address>" shape
// used for vectors, maps, slices and bare addresses whose pointee isn't
// otherwise dereferenced by a more specific renderer.
func FormatTypedAddress(typeName string, a MemoryAddress) []byte {
	return []byte(fmt.Sprintf("%s@0x%x", typeName, a.Offset))
}

// FormatCanonicalType renders the canonical type string popped for
// functions/closures/lambdas/unit/any.
func FormatCanonicalType(name string) []byte { return []byte(name) }

// WrapEnumVariant prefixes a rendered enum/union branch with "TypeName::".
func WrapEnumVariant(typeName, variantRendered string) []byte {
	return []byte(typeName + "::" + variantRendered)
}

// FormatEnd heap-allocates a String of the assembled buffer, capacity
// 2*length, and returns its address (§4.6).
func FormatEnd(h *Heap, f *FormatBuilder) (MemoryAddress, error) {
	return StrFromSlice(h, f.Bytes())
}

// PrintfEnd flushes the assembled buffer plus a trailing newline to w.
func PrintfEnd(w interface{ Write([]byte) (int, error) }, f *FormatBuilder) error {
	if _, err := w.Write(f.Bytes()); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}
