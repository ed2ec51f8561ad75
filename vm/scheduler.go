package vm

import "sort"

// Scheduler runs one Process's threads cooperatively: round-based,
// single-threaded at the runtime level, deterministic given the same
// thread-visitation policy (§4.7, §5 "Scheduling model").
type Scheduler struct {
	Proc    *Process
	Order   []uint32 // thread visitation order (tid); nil means ascending tid
	signals *SignalQueue

	// Energy hooks, the host engine's quota interface (§6
	// "get_energy(pid)/consume_energy(n,pid)"). Both nil disables accounting.
	GetEnergy     func(pid uint32) uint64
	ConsumeEnergy func(n uint64, pid uint32)

	// Step runs one thread's time slice until it yields. Supplied by the
	// instruction-dispatch loop, which is the only thing with enough context
	// (program, container runtime, formatter, engine hooks) to execute a
	// step; the scheduler only owns the round/signal/state machinery.
	Step func(t *Thread, sched *Scheduler) error
}

func NewScheduler(proc *Process) *Scheduler {
	return &Scheduler{Proc: proc, signals: NewSignalQueue()}
}

// Raise queues a signal to be committed at the end of this round.
func (s *Scheduler) Raise(sig Signal) { s.signals.Raise(sig) }

// AnyRunnable reports whether any thread is RUNNING or could become RUNNING
// on a future round (used by callers to decide when the process is done).
func (s *Scheduler) AnyRunnable() bool {
	for _, t := range s.Proc.Threads {
		if t.State.Kind != ThreadIdle {
			return true
		}
	}
	return false
}

// RunRound executes one full scheduling round: ready selection, each
// RUNNING thread's slice, then signal commit (§4.7).
func (s *Scheduler) RunRound() error {
	s.updateStates()
	s.dispatchEvents()

	for _, tid := range s.threadOrder() {
		t := s.Proc.Threads[tid]
		if t == nil || t.State.Kind != ThreadRunning {
			continue
		}
		if s.GetEnergy != nil && s.GetEnergy(s.Proc.PID) == 0 {
			continue
		}
		if s.Step == nil {
			continue
		}
		if err := s.Step(t, s); err != nil {
			return err
		}
		if s.ConsumeEnergy != nil {
			s.ConsumeEnergy(t.StepWeight, s.Proc.PID)
		}
	}

	s.signals.Commit(s)
	return nil
}

// threadOrder returns Order if the caller configured one, else ascending
// tid - the default policy, reproducible given the same thread set.
func (s *Scheduler) threadOrder() []uint32 {
	if s.Order != nil {
		return s.Order
	}
	ids := make([]uint32, 0, len(s.Proc.Threads))
	for tid := range s.Proc.Threads {
		ids = append(ids, tid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// updateStates advances SLEEPING/JOINING/WAITING_STDIN per §4.7 step 2.
func (s *Scheduler) updateStates() {
	for _, t := range s.Proc.Threads {
		switch t.State.Kind {
		case ThreadSleeping:
			if t.State.SleepRounds == 0 {
				t.State = ThreadState{Kind: ThreadRunning}
			} else {
				t.State.SleepRounds--
			}
		case ThreadJoining:
			target, ok := s.Proc.Threads[t.State.JoinTarget.TID]
			if !ok || target.State.Kind == ThreadIdle {
				t.State = ThreadState{Kind: ThreadRunning}
			}
		case ThreadWaitingStdin:
			if len(t.StdinBuffer) > 0 {
				t.State = ThreadState{Kind: ThreadRunning}
			}
		}
	}
}

// PushStdinLine is how the host delivers a requested stdin line (§4.7 step
// 2: "the line is then pushed into that thread's stdin buffer").
func (s *Scheduler) PushStdinLine(tid uint32, line string) {
	if t, ok := s.Proc.Threads[tid]; ok {
		t.StdinBuffer = append(t.StdinBuffer, line)
	}
}

// dispatchEvents gives each non-busy thread one pending event to run, per
// §4.8; this runs once at the start of the round, ahead of thread slices.
func (s *Scheduler) dispatchEvents() {
	for _, tid := range s.threadOrder() {
		t := s.Proc.Threads[tid]
		if t == nil {
			continue
		}
		s.Proc.Events.DispatchOne(t)
	}
}

// applySignal applies one signal, already ordered by SignalQueue.Commit
// (§4.7 "Commit"). A failing operation delivers Error to its callback
// without aborting the round.
func (s *Scheduler) applySignal(sig Signal) {
	switch sig.Kind {
	case SigSpawn:
		prog := sig.SpawnProgram
		if prog == nil {
			if from, ok := s.Proc.Threads[sig.From.TID]; ok {
				prog = from.Program
			}
		}
		tid := s.Proc.nextTID
		s.Proc.nextTID++
		nt := NewThread(ThreadID{PID: s.Proc.PID, TID: tid}, prog, s.Proc.defaultStackSize(), s.Proc.defaultWeightBudget())
		if idx, err := prog.Resolve(sig.SpawnEntry); err == nil {
			nt.Cursor = idx
		}
		nt.State = ThreadState{Kind: ThreadRunning}
		s.Proc.Threads[tid] = nt
		s.callback(sig, SignalResult{TID: nt.ID, HasTID: true})

	case SigClose:
		if sig.HasTarget {
			if target, ok := s.Proc.Threads[sig.Target.TID]; ok {
				target.State = ThreadState{Kind: ThreadIdle}
				s.callback(sig, SignalResult{})
				return
			}
		}
		s.callback(sig, SignalResult{Err: newErr(ErrSignal, "close", nil)})

	case SigExit:
		if from, ok := s.Proc.Threads[sig.From.TID]; ok {
			from.State = ThreadState{Kind: ThreadIdle}
		}
		s.callback(sig, SignalResult{})

	case SigWait:
		if from, ok := s.Proc.Threads[sig.From.TID]; ok {
			from.State = ThreadState{Kind: ThreadWaiting}
		}
		s.callback(sig, SignalResult{})

	case SigWake:
		if sig.HasTarget {
			if target, ok := s.Proc.Threads[sig.Target.TID]; ok && target.State.Kind == ThreadWaiting {
				target.State = ThreadState{Kind: ThreadRunning}
				s.callback(sig, SignalResult{})
				return
			}
		}
		s.callback(sig, SignalResult{Err: newErr(ErrSignal, "wake", nil)})

	case SigSleep:
		if from, ok := s.Proc.Threads[sig.From.TID]; ok {
			from.State = ThreadState{Kind: ThreadSleeping, SleepRounds: sig.SleepRounds}
		}
		s.callback(sig, SignalResult{})

	case SigJoin:
		if from, ok := s.Proc.Threads[sig.From.TID]; ok {
			from.State = ThreadState{Kind: ThreadJoining, JoinTarget: sig.Target}
		}
		s.callback(sig, SignalResult{})

	case SigEventRegistration:
		s.Proc.Events.Register(sig.From, sig.EventReg)
		s.callback(sig, SignalResult{})
	}
}

func (s *Scheduler) callback(sig Signal, res SignalResult) {
	if sig.Callback == nil {
		return
	}
	var stack *Stack
	if from, ok := s.Proc.Threads[sig.From.TID]; ok {
		stack = from.Stack
	}
	sig.Callback(res, stack)
}
