package vm

// Engine is the host integration contract (§6 "Engine hooks (host must
// provide)"). Everything outside the core's own memory/scheduling model -
// printing, stdin, OS-level thread identity, energy accounting, and
// resolving namespaced external functions - is defined solely by this
// interface; exec.go never reaches past it. internal/hostengine carries a
// reference implementation.
type Engine interface {
	Spawn(pid uint32) (uint32, error)
	Close(pid, tid uint32) error

	StdoutPrint(pid uint32, content []byte)
	StdoutPrintln(pid uint32, content []byte)
	StderrPrint(pid uint32, content []byte)
	StdasmPrint(pid uint32, content []byte)

	StdinRequest(tid uint32)

	GetEnergy(pid uint32) uint64
	ConsumeEnergy(n uint64, pid uint32)

	Find(path, name string) (ExternFunction, bool)
}

// ExternFunction is a host-provided instruction resolved through
// Engine.Find (§6): resolve/execute/name/weight, plus the four event-like
// hooks used when the extern is itself an event source the scheduler can
// dispatch through (§4.8).
type ExternFunction interface {
	Resolve(params []OpPrimitive) (OpPrimitive, error)
	Execute(t *Thread, proc *Process) error
	ExternName() string
	ExternWeight() Weight

	EventSetup(t *Thread, proc *Process) []byte
	EventConclusion(t *Thread, proc *Process, retValue []byte)
	EventCleanup(t *Thread, proc *Process)
	EventTrigger(sub EventSubscription, signal uint64) bool
}

// BaseExternFunction is an embeddable no-op base so a concrete
// ExternFunction only needs to override the hooks it actually uses -
// mirrors the "most externs aren't event sources" shape noted for the
// supplemental event hooks.
type BaseExternFunction struct{}

func (BaseExternFunction) EventSetup(*Thread, *Process) []byte       { return nil }
func (BaseExternFunction) EventConclusion(*Thread, *Process, []byte) {}
func (BaseExternFunction) EventCleanup(*Thread, *Process)            {}
func (BaseExternFunction) EventTrigger(EventSubscription, uint64) bool {
	return false
}
