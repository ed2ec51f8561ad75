package vm

import "testing"

func TestEventQueueTriggerAndDispatchOne(t *testing.T) {
	prog := NewProgram()
	label := prog.NewLabel("on_tick")
	prog.PlaceLabel(label)
	wantIdx := prog.Len() - 1

	th := NewThread(ThreadID{PID: 1, TID: 1}, prog, 64, 1<<10)
	th.Cursor = 5

	q := NewEventQueue()
	sub := EventSubscription{Trigger: 0x1, Callback: label, ParamSize: 0, Kind: EventOnce, Scope: EventPerThread}
	q.Register(th.ID, sub)

	q.Trigger(0x1, nil, func(s EventSubscription, signal uint64) bool {
		return s.Trigger&signal != 0
	})

	dispatched := q.DispatchOne(th)
	assert(t, dispatched, "expected an event to dispatch")
	assert(t, th.Cursor == wantIdx, "expected cursor at the callback label (%d), got %d", wantIdx, th.Cursor)
	assert(t, th.EventBusy, "expected the thread to be marked event-busy")
	assert(t, th.Stack.InFrame(), "expected a call frame opened for the callback")
}

func TestEventQueueDispatchOneSkipsWhileBusy(t *testing.T) {
	prog := NewProgram()
	label := prog.NewLabel("on_tick")
	prog.PlaceLabel(label)

	th := NewThread(ThreadID{PID: 1, TID: 1}, prog, 64, 1<<10)
	q := NewEventQueue()
	sub := EventSubscription{Trigger: 0x1, Callback: label, Kind: EventRepeatable, Scope: EventPerThread}
	q.Register(th.ID, sub)
	q.Trigger(0x1, nil, func(s EventSubscription, signal uint64) bool { return true })

	assert(t, q.DispatchOne(th), "expected the first dispatch to succeed")
	assert(t, !q.DispatchOne(th), "expected no dispatch while the thread is already event-busy")
}

func TestEventQueueConcludeDropsOnceSubscriptionsOnly(t *testing.T) {
	prog := NewProgram()
	onceLabel := prog.NewLabel("once")
	prog.PlaceLabel(onceLabel)
	repeatLabel := prog.NewLabel("repeat")
	prog.PlaceLabel(repeatLabel)

	th := NewThread(ThreadID{PID: 1, TID: 1}, prog, 64, 1<<10)
	q := NewEventQueue()
	onceSub := EventSubscription{Trigger: 0x1, Callback: onceLabel, Kind: EventOnce, Scope: EventPerThread}
	repeatSub := EventSubscription{Trigger: 0x2, Callback: repeatLabel, Kind: EventRepeatable, Scope: EventPerThread}
	q.Register(th.ID, onceSub)
	q.Register(th.ID, repeatSub)

	q.Conclude(th, onceSub)
	assert(t, len(q.subs[th.ID.TID]) == 1, "expected the Once subscription removed, got %d left", len(q.subs[th.ID.TID]))
	assert(t, q.subs[th.ID.TID][0] == repeatSub, "expected the Repeatable subscription to survive")

	q.Conclude(th, repeatSub)
	assert(t, len(q.subs[th.ID.TID]) == 1, "expected a Repeatable subscription to stay registered")
}

// TestEventCallbackCloseFrameConcludesEvent drives a dispatched event
// through its callback's real close_frame instruction (instead of calling
// Conclude directly, like the tests above), matching §4.8's requirement
// that EventBusy/perPIDBusy clear and Once subscriptions drop once normal
// program execution returns from the callback frame.
func TestEventCallbackCloseFrameConcludesEvent(t *testing.T) {
	prog := NewProgram()
	label := prog.NewLabel("on_tick")
	prog.PlaceLabel(label)
	prog.Emit(Instruction{Op: OpCloseFrame})

	engine := &fakeEngine{}
	rt := NewRuntime(1, 1<<16, 1<<16, 1<<16, engine)
	th := rt.Spawn(prog)

	q := rt.Proc.Events
	sub := EventSubscription{Trigger: 0x1, Callback: label, Kind: EventOnce, Scope: EventPerThread}
	q.Register(th.ID, sub)
	q.Trigger(0x1, nil, func(s EventSubscription, signal uint64) bool { return s.Trigger&signal != 0 })

	assert(t, q.DispatchOne(th), "expected the event to dispatch")
	assert(t, th.EventBusy, "expected the thread marked event-busy after dispatch")

	// The resolved callback cursor sits on the label's own OpLabel
	// instruction; step over it, then run the close_frame that follows.
	for i := 0; i < 2; i++ {
		instr := th.Program.Instructions[th.Cursor]
		rerr := rt.dispatch(th, rt.Scheduler, instr)
		assert(t, rerr == nil, "dispatching the callback's label/close_frame failed: %v", rerr)
	}

	assert(t, !th.EventBusy, "expected EventBusy to clear once the callback frame closes")
	assert(t, len(q.subs[th.ID.TID]) == 0, "expected the Once subscription dropped after conclude")
}
