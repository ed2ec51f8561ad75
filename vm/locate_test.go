package vm

import "testing"

type fakeScope struct {
	vars map[VarID]VarInfo
}

func (s *fakeScope) LookupVariable(id VarID) (VarInfo, error) {
	info, ok := s.vars[id]
	if !ok {
		return VarInfo{}, newErr(ErrUnsupportedOperation, "lookup-variable", nil)
	}
	return info, nil
}

func (s *fakeScope) LookupType(id TypeID) (TypeLayout, error) {
	return TypeLayout{}, newErr(ErrUnsupportedOperation, "lookup-type", nil)
}

func TestLocateVariableReturnsStaticAddress(t *testing.T) {
	scope := &fakeScope{vars: map[VarID]VarInfo{
		1: {Addr: MemoryAddress{Region: RegionFrame, Offset: 16}, Size: 8},
	}}
	arena := NewExprArena()
	id := arena.New(Expr{Kind: ExprVariable, Var: 1, Size: 8})
	loc := NewLocator(scope, arena)
	prog := NewProgram()

	addr, static, err := loc.Locate(id, prog)
	assert(t, err == nil, "locate failed: %v", err)
	assert(t, static, "expected a static address for a plain variable")
	assert(t, addr.Region == RegionFrame && addr.Offset == 16, "unexpected address %+v", addr)
	assert(t, prog.Len() == 0, "a static locate should emit no code")
}

func TestLocateFieldFoldsStaticOffset(t *testing.T) {
	scope := &fakeScope{vars: map[VarID]VarInfo{
		1: {Addr: MemoryAddress{Region: RegionFrame, Offset: 16}, Size: 24},
	}}
	arena := NewExprArena()
	base := arena.New(Expr{Kind: ExprVariable, Var: 1, Size: 24})
	field := arena.New(Expr{Kind: ExprField, Base: base, HasBase: true, FieldOffset: 8, Size: 8})
	loc := NewLocator(scope, arena)
	prog := NewProgram()

	addr, static, err := loc.Locate(field, prog)
	assert(t, err == nil, "locate failed: %v", err)
	assert(t, static, "expected the field to fold into a static address")
	assert(t, addr.Offset == 24, "expected base(16)+field_offset(8)=24, got %d", addr.Offset)
}

func TestLocateFnCallIsNonLocatable(t *testing.T) {
	scope := &fakeScope{vars: map[VarID]VarInfo{}}
	arena := NewExprArena()
	id := arena.New(Expr{Kind: ExprFnCall})
	loc := NewLocator(scope, arena)
	prog := NewProgram()

	_, _, err := loc.Locate(id, prog)
	assert(t, err != nil, "expected an error locating an FnCall")
	rerr, ok := err.(*RuntimeError)
	assert(t, ok, "expected *RuntimeError, got %T", err)
	assert(t, rerr.Kind == ErrUnsupportedOperation, "expected ErrUnsupportedOperation, got %s", rerr.Kind)
}

func TestLocateMapIndexIsNonLocatableDirectly(t *testing.T) {
	scope := &fakeScope{vars: map[VarID]VarInfo{}}
	arena := NewExprArena()
	id := arena.New(Expr{Kind: ExprMapIndex})
	loc := NewLocator(scope, arena)
	prog := NewProgram()

	_, _, err := loc.Locate(id, prog)
	assert(t, err != nil, "expected an error locating a map index directly")
}

func TestLocateDerefLoadsPointerFromStaticBase(t *testing.T) {
	scope := &fakeScope{vars: map[VarID]VarInfo{
		1: {Addr: MemoryAddress{Region: RegionFrame, Offset: 0}, Size: 8},
	}}
	arena := NewExprArena()
	ptrVar := arena.New(Expr{Kind: ExprVariable, Var: 1, Size: 8})
	deref := arena.New(Expr{Kind: ExprDeref, Base: ptrVar, HasBase: true, Size: 8})
	loc := NewLocator(scope, arena)
	prog := NewProgram()

	_, static, err := loc.Locate(deref, prog)
	assert(t, err == nil, "locate failed: %v", err)
	assert(t, !static, "a pointer dereference should never fold to a static address")
	assert(t, prog.Len() == 1, "expected one instruction emitted, got %d", prog.Len())
	assert(t, prog.Instructions[0].Op == OpAccessStatic, "expected OpAccessStatic loading the pointer's value")
	assert(t, prog.Instructions[0].Size == PointerSize, "expected the pointer load to be PointerSize wide")
}

func TestIsAssignableRejectsFnCallAndMapIndex(t *testing.T) {
	assert(t, IsAssignable(ExprVariable), "expected ExprVariable assignable")
	assert(t, IsAssignable(ExprDeref), "expected ExprDeref assignable")
	assert(t, !IsAssignable(ExprFnCall), "expected ExprFnCall not assignable")
	assert(t, !IsAssignable(ExprMapIndex), "expected ExprMapIndex not assignable")
}
