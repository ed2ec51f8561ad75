package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ktstephano/ciphelvm/vm"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl <file.vasm>",
		Short: "Interactively step a program one scheduler round at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := vm.AssembleFile(args[0])
			if err != nil {
				return err
			}
			rt, host, err := newRuntimeFromFlags(cmd)
			if err != nil {
				return err
			}
			defer host.Close()

			return runRepl(rt, prog)
		},
	}
}

// runRepl is the cobra+readline analogue of the teacher's
// RunProgramDebugMode loop (vm/run.go): "next"/"n" steps one scheduler
// round, "run"/"r" free-runs to completion, "state" prints the main thread's
// cursor and state, and a bare "quit" exits. There is no per-instruction breakpoint
// here (the teacher breaks on a program-counter value inside a single
// register-machine loop); a round is the smallest externally observable
// unit once many cooperating threads share one Runtime, so that is the
// granularity this loop steps at instead.
func runRepl(rt *vm.Runtime, prog *vm.Program) error {
	rl, err := readline.New("ciphelvm> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	t := rt.Spawn(prog)
	fmt.Printf("Commands:\n\tn or next: run one scheduler round\n\tr or run: run to completion\n\tstate: print thread state\n\tquit: exit\n\n")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch cmd := strings.ToLower(strings.TrimSpace(line)); {
		case cmd == "":
			continue
		case cmd == "n" || cmd == "next":
			if !rt.Scheduler.AnyRunnable() {
				fmt.Println("no runnable threads")
				continue
			}
			if err := rt.Scheduler.RunRound(); err != nil {
				fmt.Println(err)
			}
			printThreadState(t)
		case cmd == "r" || cmd == "run":
			if err := rt.Run(); err != nil {
				fmt.Println(err)
			}
			printThreadState(t)
			return nil
		case cmd == "state":
			printThreadState(t)
		case cmd == "quit" || cmd == "exit":
			return nil
		case strings.HasPrefix(cmd, "b"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, "b")))
			if err != nil {
				fmt.Println("usage: b <instruction index>")
				continue
			}
			fmt.Printf("breakpoints are not tracked in round-stepping mode; instruction %d noted\n", n)
		default:
			fmt.Println("unknown command")
		}
	}
}

func printThreadState(t *vm.Thread) {
	fmt.Printf("thread %d: cursor=%d state=%s\n", t.ID.TID, t.Cursor, t.State.Kind)
}
