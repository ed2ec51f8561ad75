package vm

import (
	"strings"
	"testing"
)

func TestFormatBuilderPushAndWrap(t *testing.T) {
	f := NewFormatBuilder()
	f.PushStr("42")
	mark := f.Mark()
	f.PushStr("true")
	f.Wrap(mark, "(", ")")

	assert(t, string(f.Bytes()) == "42(true)", "expected %q, got %q", "42(true)", string(f.Bytes()))
}

func TestFormatBuilderInsertBeforeRendersBackToFront(t *testing.T) {
	f := NewFormatBuilder()
	f.PushStr("b: 2")
	prevSize := f.Mark()
	f.PushStrBefore(prevSize, "a: 1, ")

	assert(t, string(f.Bytes()) == "a: 1, b: 2", "expected %q, got %q", "a: 1, b: 2", string(f.Bytes()))
}

func TestFormatBuilderTakeTailShrinksBuffer(t *testing.T) {
	f := NewFormatBuilder()
	f.PushStr("hello world")
	tail := f.TakeTail(6)

	assert(t, string(tail) == " world", "expected %q, got %q", " world", string(tail))
	assert(t, string(f.Bytes()) == "hello", "expected remaining buffer %q, got %q", "hello", string(f.Bytes()))
}

func TestPrimitiveRenderers(t *testing.T) {
	assert(t, string(FormatUint(42)) == "42", "unexpected FormatUint output %q", string(FormatUint(42)))
	assert(t, string(FormatInt(-7)) == "-7", "unexpected FormatInt output %q", string(FormatInt(-7)))
	assert(t, string(FormatBool(true)) == "true", "unexpected FormatBool output")
	assert(t, string(FormatBool(false)) == "false", "unexpected FormatBool output")
	assert(t, string(FormatChar('x')) == "x", "unexpected FormatChar output")
	assert(t, string(FormatErrorCode(0)) == "OK", "unexpected FormatErrorCode(0) output")
	assert(t, string(FormatErrorCode(1)) == "ERROR", "unexpected FormatErrorCode(1) output")
	assert(t, string(FormatQuotedString([]byte("hi"))) == `"hi"`, "unexpected quoted string output")
}

func TestFormatTypedAddressAndEnumVariant(t *testing.T) {
	addr := MemoryAddress{Region: RegionHeap, Offset: 0x10}
	got := string(FormatTypedAddress("Vec", addr))
	assert(t, strings.HasPrefix(got, "Vec@0x"), "expected a Vec@0x... address, got %q", got)

	variant := string(WrapEnumVariant("Option", "Some(1)"))
	assert(t, variant == "Option::Some(1)", "expected %q, got %q", "Option::Some(1)", variant)
}

func TestFormatEndHeapAllocatesAssembledString(t *testing.T) {
	h := NewHeap(1 << 12)
	f := NewFormatBuilder()
	f.PushStr("assembled")

	addr, err := FormatEnd(h, f)
	assert(t, err == nil, "format-end failed: %v", err)

	got, err := StrBytes(h, addr)
	assert(t, err == nil, "str-bytes failed: %v", err)
	assert(t, string(got) == "assembled", "expected %q, got %q", "assembled", string(got))
}

func TestFormatBuilderWrapResultOkAndErr(t *testing.T) {
	f := NewFormatBuilder()
	mark := f.Mark()
	f.PushStr("42")
	f.WrapResult(mark, true)
	assert(t, string(f.Bytes()) == "Ok(42)", "expected %q, got %q", "Ok(42)", string(f.Bytes()))

	f2 := NewFormatBuilder()
	mark2 := f2.Mark()
	f2.PushStr(`"boom"`)
	f2.WrapResult(mark2, false)
	assert(t, string(f2.Bytes()) == `Err("boom")`, "expected %q, got %q", `Err("boom")`, string(f2.Bytes()))
}

func TestFormatBuilderIndentNestedIndentsContinuationLines(t *testing.T) {
	f := NewFormatBuilder()
	f.PushStr("Outer {\n")
	mark := f.Mark()
	f.PushStr("a: 1,\nb: 2")
	f.IndentNested(mark)
	f.PushStr("\n}")

	want := "Outer {\na: 1,\n  b: 2\n}"
	assert(t, string(f.Bytes()) == want, "expected %q, got %q", want, string(f.Bytes()))
}

func TestPrintfEndFlushesBufferPlusNewline(t *testing.T) {
	f := NewFormatBuilder()
	f.PushStr("line")

	var out strings.Builder
	assert(t, PrintfEnd(&out, f) == nil, "printf-end failed")
	assert(t, out.String() == "line\n", "expected %q, got %q", "line\n", out.String())
}
