package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestProcess() (*Process, *Thread) {
	proc := NewProcess(1, 1<<12, 1<<12, 1<<12)
	prog := &Program{}
	th := proc.Spawn(prog)
	return proc, th
}

func TestSchedulerAnyRunnableReflectsThreadStates(t *testing.T) {
	proc, th := newTestProcess()
	sched := NewScheduler(proc)
	require.True(t, sched.AnyRunnable())

	th.State = ThreadState{Kind: ThreadIdle}
	require.False(t, sched.AnyRunnable())
}

func TestSchedulerSleepCountsDownToRunning(t *testing.T) {
	proc, th := newTestProcess()
	sched := NewScheduler(proc)
	sched.Step = func(t *Thread, s *Scheduler) error { return nil }

	th.State = ThreadState{Kind: ThreadSleeping, SleepRounds: 2}
	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadSleeping, th.State.Kind)
	require.Equal(t, uint64(1), th.State.SleepRounds)

	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadSleeping, th.State.Kind)
	require.Equal(t, uint64(0), th.State.SleepRounds)

	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadRunning, th.State.Kind)
}

func TestSchedulerWaitingStdinResumesOnceBuffered(t *testing.T) {
	proc, th := newTestProcess()
	sched := NewScheduler(proc)
	sched.Step = func(t *Thread, s *Scheduler) error { return nil }

	th.State = ThreadState{Kind: ThreadWaitingStdin}
	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadWaitingStdin, th.State.Kind)

	sched.PushStdinLine(th.ID.TID, "hello")
	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadRunning, th.State.Kind)
}

func TestSchedulerSpawnSignalCreatesNewRunningThread(t *testing.T) {
	proc, th := newTestProcess()
	sched := NewScheduler(proc)
	sched.Step = func(t *Thread, s *Scheduler) error { return nil }

	var result SignalResult
	sched.Raise(Signal{
		Kind: SigSpawn,
		From: th.ID,
		Callback: func(res SignalResult, _ *Stack) {
			result = res
		},
	})
	require.NoError(t, sched.RunRound())

	require.True(t, result.HasTID)
	newThread, ok := proc.Threads[result.TID.TID]
	require.True(t, ok)
	require.Equal(t, ThreadRunning, newThread.State.Kind)
}

func TestSchedulerJoinWaitsForTargetThenResumes(t *testing.T) {
	proc, th := newTestProcess()
	prog := &Program{}
	target := proc.Spawn(prog)
	sched := NewScheduler(proc)
	sched.Step = func(t *Thread, s *Scheduler) error { return nil }

	sched.Raise(Signal{Kind: SigJoin, From: th.ID, Target: target.ID, HasTarget: true})
	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadJoining, th.State.Kind)

	target.State = ThreadState{Kind: ThreadIdle}
	require.NoError(t, sched.RunRound())
	require.Equal(t, ThreadRunning, th.State.Kind)
}

func TestSchedulerCloseSignalIdlesTarget(t *testing.T) {
	proc, th := newTestProcess()
	sched := NewScheduler(proc)
	sched.Step = func(t *Thread, s *Scheduler) error { return nil }

	var gotErr error
	sched.Raise(Signal{
		Kind:      SigClose,
		From:      th.ID,
		Target:    th.ID,
		HasTarget: true,
		Callback: func(res SignalResult, _ *Stack) {
			gotErr = res.Err
		},
	})
	require.NoError(t, sched.RunRound())
	require.NoError(t, gotErr)
	require.Equal(t, ThreadIdle, th.State.Kind)
}
