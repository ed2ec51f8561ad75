package vm

import (
	"strings"
	"testing"
)

// assert mirrors the teacher's vm_test.go helper of the same name and
// signature, generalized only by package (the underlying VM it asserts
// against changed, the assertion style didn't).
func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(format, args...)
	}
}

// fakeEngine is a minimal vm.Engine for exercising the runtime without a
// real terminal attached - stdout/stderr land in buffers, energy is
// unlimited, and Find never resolves an extern (no test here registers one).
type fakeEngine struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (e *fakeEngine) Spawn(pid uint32) (uint32, error) { return pid, nil }
func (e *fakeEngine) Close(pid, tid uint32) error      { return nil }

func (e *fakeEngine) StdoutPrint(pid uint32, content []byte)   { e.stdout.Write(content) }
func (e *fakeEngine) StdoutPrintln(pid uint32, content []byte) { e.stdout.Write(content); e.stdout.WriteByte('\n') }
func (e *fakeEngine) StderrPrint(pid uint32, content []byte)   { e.stderr.Write(content) }
func (e *fakeEngine) StdasmPrint(pid uint32, content []byte)   {}

func (e *fakeEngine) StdinRequest(tid uint32) {}

func (e *fakeEngine) GetEnergy(pid uint32) uint64          { return ^uint64(0) }
func (e *fakeEngine) ConsumeEnergy(n uint64, pid uint32)   {}

func (e *fakeEngine) Find(path, name string) (ExternFunction, bool) { return nil, false }

func compileAndRun(t *testing.T, source string) (*Runtime, *Thread, *fakeEngine) {
	prog, err := Assemble(source)
	assert(t, err == nil, "failed to assemble: %v", err)

	engine := &fakeEngine{}
	rt := NewRuntime(1, 1<<16, 1<<16, 1<<16, engine)
	th := rt.Spawn(prog)
	err = rt.Run()
	assert(t, err == nil, "runtime returned an error: %v", err)
	return rt, th, engine
}

func TestArithAdd(t *testing.T) {
	_, th, _ := compileAndRun(t, `
		push.u64 2
		push.u64 3
		arith add u64
	`)
	top, err := th.Stack.Peek(8)
	assert(t, err == nil, "peek failed: %v", err)
	assert(t, getUint64(top) == 5, "expected 5, got %d", getUint64(top))
}

func TestArithDivByZeroTerminatesThreadUncaught(t *testing.T) {
	_, th, engine := compileAndRun(t, `
		push.u64 1
		push.u64 0
		arith div u64
	`)
	assert(t, th.State.Kind == ThreadIdle, "expected thread to idle after uncaught error, got %s", th.State.Kind)
	assert(t, strings.Contains(engine.stderr.String(), "MathError"), "expected MathError on stderr, got %q", engine.stderr.String())
}

func TestCompareAndBranch(t *testing.T) {
	_, th, _ := compileAndRun(t, `
		push.u64 7
		push.u64 3
		compare gt u64
		branchif notgreater
		push.bool 1
		goto done
	notgreater:
		push.bool 0
	done:
	`)
	top, err := th.Stack.Peek(1)
	assert(t, err == nil, "peek failed: %v", err)
	assert(t, getBool(top), "expected the greater branch to have run")
}

func TestTryCatchRecoversFromDivByZero(t *testing.T) {
	_, th, _ := compileAndRun(t, `
		starttry handler
		push.u64 1
		push.u64 0
		arith div u64
		goto done
	handler:
		endtry
	done:
	`)
	assert(t, th.State.Kind == ThreadIdle, "expected the program to run to completion, got %s", th.State.Kind)
	top, err := th.Stack.Peek(1)
	assert(t, err == nil, "peek failed: %v", err)
	assert(t, top[0] == byte(ErrMath), "expected the caught error kind (%d) on the stack, got %d", ErrMath, top[0])
}

func TestVectorPushAndGet(t *testing.T) {
	_, th, _ := compileAndRun(t, `
		vec.new 8 0
		push.u64 42
		vec.push 8
		push.u64 0
		vec.get 8
	`)
	top, err := th.Stack.Peek(8)
	assert(t, err == nil, "peek failed: %v", err)
	assert(t, getUint64(top) == 42, "expected 42, got %d", getUint64(top))
}

func TestStringLen(t *testing.T) {
	_, th, _ := compileAndRun(t, `
		str.new "hello"
		dup 8
		str.len
	`)
	top, err := th.Stack.Peek(8)
	assert(t, err == nil, "peek failed: %v", err)
	assert(t, getUint64(top) == 5, "expected length 5, got %d", getUint64(top))
}

func TestPrintLiteral(t *testing.T) {
	_, _, engine := compileAndRun(t, `print.litln "hello, world"`)
	assert(t, engine.stdout.String() == "hello, world\n", "unexpected stdout: %q", engine.stdout.String())
}
