package vm

// This file implements the expression locator (§4.2): the compile-time
// algorithm that decides, for every point in an l-value chain such as
// `a.b[i].c.*`, whether the address is a fully known static MemoryAddress
// or must be computed at runtime and left on the operand stack.
//
// The lexer/parser/type-checker that produce the typed expression tree are
// external collaborators (§1 "Out of scope"); this file only depends on the
// information they are specified to publish: a ScopeTree for variable
// lookups, and an arena of Expr nodes describing the l-value shape. Per the
// design note in spec.md §9, the tree is a single owning arena keyed by
// stable ids rather than raw ownership pointers - the same "find_var_by_id"
// shape the teacher-adjacent resolve step already uses.

// VarID / TypeID are opaque handles into the (external) scope tree.
type VarID int
type TypeID int

// VarInfo is what a scope lookup publishes for one variable: its address is
// always statically known (it is a declared local, parameter or global with
// a fixed frame/global offset) - any runtime-ness in a chain comes purely
// from Index/Deref steps, not from the variable itself.
type VarInfo struct {
	Addr MemoryAddress
	Size uint64
}

// ScopeTree is the external collaborator boundary: the resolver publishes
// variable addresses and type layouts, the core only ever reads them.
type ScopeTree interface {
	LookupVariable(id VarID) (VarInfo, error)
	LookupType(id TypeID) (TypeLayout, error)
}

// TypeKind distinguishes the handful of aggregate shapes the locator and
// formatter need layout information for.
type TypeKind int

const (
	TypeStruct TypeKind = iota
	TypeUnion
	TypeEnum
	TypePrimitive
)

type FieldLayout struct {
	Name   string
	Offset uint64
	Size   uint64
}

type TypeLayout struct {
	Kind   TypeKind
	Name   string
	Size   uint64
	Fields []FieldLayout // struct fields, or union's variant-selector struct fields when indexed by variant
}

// ExprKind enumerates the l-value shapes the locator recognizes.
type ExprKind int

const (
	ExprVariable ExprKind = iota
	ExprField
	ExprTupleIndex
	ExprIndex    // vector / fixed-size slice index
	ExprMapIndex // map index - addressed via the map op family, see hashmap.go
	ExprDeref
	ExprParen
	ExprFnCall // never locatable - see Locate
)

// ExprID is a stable handle into an ExprArena.
type ExprID int

// Expr is one node of an l-value chain. Only the fields relevant to Kind
// are meaningful.
type Expr struct {
	Kind ExprKind

	Base    ExprID // sub-expression this step continues from
	HasBase bool

	Var VarID // ExprVariable

	FieldOffset uint64 // ExprField: compile-time constant offset

	TupleOffset uint64 // ExprTupleIndex: compile-time constant offset

	IndexExpr    ExprID // ExprIndex/ExprMapIndex: expression computing the runtime index/key
	HasIndexExpr bool
	BaseIsVector bool // ExprIndex: true => base is a vector header pointer (add VEC_HEADER); false => fixed-size slice (offset 0)
	ElemSize     uint64

	KeySize   uint64 // ExprMapIndex
	ValueSize uint64

	Size uint64 // byte size of the value this node denotes
}

// ExprArena is the single owning arena described in the design note.
type ExprArena struct {
	nodes []Expr
}

func NewExprArena() *ExprArena { return &ExprArena{} }

func (a *ExprArena) New(e Expr) ExprID {
	a.nodes = append(a.nodes, e)
	return ExprID(len(a.nodes) - 1)
}

func (a *ExprArena) Get(id ExprID) Expr { return a.nodes[id] }

// Emitter is the code sink the locator writes into; *Program satisfies it.
type Emitter interface {
	Emit(Instruction) int
}

// Locator runs the four-operation contract from §4.2 against one ScopeTree
// and ExprArena.
type Locator struct {
	Scope ScopeTree
	Arena *ExprArena
}

func NewLocator(scope ScopeTree, arena *ExprArena) *Locator {
	return &Locator{Scope: scope, Arena: arena}
}

// IsAssignable is the purely syntactic predicate from §4.2: only these
// shapes are valid assignment targets.
func IsAssignable(kind ExprKind) bool {
	switch kind {
	case ExprVariable, ExprField, ExprTupleIndex, ExprIndex, ExprDeref, ExprParen:
		return true
	default:
		return false
	}
}

// Locate implements `locate(ctx) -> Option<static address>`: either it
// returns a fully known static address and emits no code, or it emits code
// that leaves an address on the stack and returns (zero, false, nil).
func (l *Locator) Locate(id ExprID, e Emitter) (MemoryAddress, bool, error) {
	return l.LocateFrom(id, nil, e)
}

// LocateFrom is the same decision, but starting from a given (possibly nil)
// static base - used by field/index chains continuing from their parent.
func (l *Locator) LocateFrom(id ExprID, base *MemoryAddress, e Emitter) (MemoryAddress, bool, error) {
	node := l.Arena.Get(id)

	switch node.Kind {
	case ExprFnCall:
		// Locating an FnCall is rejected as non-locatable (spec.md §9 open
		// question resolution: FnCall results are rvalues, never lvalues).
		return MemoryAddress{}, false, newErr(ErrUnsupportedOperation, "locate-fncall", nil)

	case ExprVariable:
		info, err := l.Scope.LookupVariable(node.Var)
		if err != nil {
			return MemoryAddress{}, false, err
		}
		return info.Addr, true, nil

	case ExprParen:
		return l.LocateFrom(node.Base, base, e)

	case ExprField:
		baseAddr, static, err := l.resolveBase(node, base, e)
		if err != nil {
			return MemoryAddress{}, false, err
		}
		if static {
			return baseAddr.Add(node.FieldOffset), true, nil
		}
		// runtime base address is already on the stack; add the constant
		// field offset to it.
		e.Emit(Instruction{Op: OpOffset, Arg: node.FieldOffset})
		return MemoryAddress{}, false, nil

	case ExprTupleIndex:
		baseAddr, static, err := l.resolveBase(node, base, e)
		if err != nil {
			return MemoryAddress{}, false, err
		}
		if static {
			return baseAddr.Add(node.TupleOffset), true, nil
		}
		e.Emit(Instruction{Op: OpOffset, Arg: node.TupleOffset})
		return MemoryAddress{}, false, nil

	case ExprDeref:
		// A pointer dereference always needs the pointer's *value*, which is
		// itself runtime data even when the pointer variable has a static
		// address - so this step is never foldable into a static address.
		if base != nil {
			e.Emit(Instruction{Op: OpAccessStatic, Addr: *base, HasAddr: true, Size: PointerSize})
		} else {
			baseAddr, static, err := l.LocateFrom(node.Base, nil, e)
			if err != nil {
				return MemoryAddress{}, false, err
			}
			if static {
				// The pointer variable itself has a static address, but we
				// need its *value* (the address it points to), so load it.
				e.Emit(Instruction{Op: OpAccessStatic, Addr: baseAddr, HasAddr: true, Size: PointerSize})
			} else {
				e.Emit(Instruction{Op: OpAccessRuntime, Size: PointerSize})
			}
		}
		return MemoryAddress{}, false, nil

	case ExprIndex:
		baseAddr, static, err := l.resolveIndexBase(node, base, e)
		if err != nil {
			return MemoryAddress{}, false, err
		}
		headerOffset := uint64(0)
		if node.BaseIsVector {
			headerOffset = VecHeaderSize
		}
		if static && !node.HasIndexExpr {
			return MemoryAddress{}, false, newErr(ErrUnsupportedOperation, "index-missing-expr", nil)
		}
		// The index is always runtime data (even a literal index is folded
		// by an external constant-fold pass, out of scope here), so an
		// OffsetIdx is emitted; if the base itself was static we push it as
		// a Locate first so OffsetIdx can pop it consistently.
		if static {
			e.Emit(Instruction{Op: OpLocate, Addr: baseAddr, HasAddr: true})
		}
		l.emitExpr(node.IndexExpr, e)
		e.Emit(Instruction{
			Op:        OpOffsetIdx,
			Size:      node.ElemSize,
			Arg:       headerOffset,
			PopBase:   true,
			PopLength: node.BaseIsVector,
		})
		return MemoryAddress{}, false, nil

	case ExprMapIndex:
		return MemoryAddress{}, false, newErr(ErrUnsupportedOperation, "map-not-locatable-directly", nil)

	default:
		return MemoryAddress{}, false, newErr(ErrUnsupportedOperation, "locate-unknown-kind", nil)
	}
}

// resolveBase folds the parent chain into a static address when possible.
func (l *Locator) resolveBase(node Expr, base *MemoryAddress, e Emitter) (MemoryAddress, bool, error) {
	if base != nil {
		return *base, true, nil
	}
	if !node.HasBase {
		return MemoryAddress{}, false, newErr(ErrUnsupportedOperation, "missing-base", nil)
	}
	addr, static, err := l.LocateFrom(node.Base, nil, e)
	return addr, static, err
}

func (l *Locator) resolveIndexBase(node Expr, base *MemoryAddress, e Emitter) (MemoryAddress, bool, error) {
	if base != nil {
		return *base, true, nil
	}
	if !node.HasBase {
		return MemoryAddress{}, false, nil
	}
	return l.LocateFrom(node.Base, nil, e)
}

// emitExpr emits code that leaves the *value* of a (non-lvalue, typically
// the index/key) sub-expression on the stack: it locates the sub-expression
// and loads its bytes with OpAccessStatic when the address is static, or
// OpAccessRuntime when the address was left on the stack. Locate errors are
// not reported here.
func (l *Locator) emitExpr(id ExprID, e Emitter) {
	addr, static, _ := l.Locate(id, e)
	sz := l.Arena.Get(id).Size
	if sz == 0 {
		sz = 8
	}
	if static {
		e.Emit(Instruction{Op: OpAccessStatic, Addr: addr, HasAddr: true, Size: sz})
	} else {
		e.Emit(Instruction{Op: OpAccessRuntime, Size: sz})
	}
}

// AccessFrom emits code that loads the N bytes of the target onto the
// stack, given a known static base.
func (l *Locator) AccessFrom(id ExprID, staticBase MemoryAddress, e Emitter) error {
	addr, static, err := l.LocateFrom(id, &staticBase, e)
	if err != nil {
		return err
	}
	size := l.Arena.Get(id).Size
	if static {
		e.Emit(Instruction{Op: OpAccessStatic, Addr: addr, HasAddr: true, Size: size})
	} else {
		e.Emit(Instruction{Op: OpAccessRuntime, Size: size})
	}
	return nil
}

// RuntimeAccess emits code that loads the N bytes of the target, consuming
// an address currently on top of the stack.
func (l *Locator) RuntimeAccess(id ExprID, e Emitter) error {
	size := l.Arena.Get(id).Size
	e.Emit(Instruction{Op: OpAccessRuntime, Size: size})
	return nil
}
