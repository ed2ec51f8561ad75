package main

import (
	"github.com/spf13/cobra"

	"github.com/ktstephano/ciphelvm/internal/hostengine"
	"github.com/ktstephano/ciphelvm/vm"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file.vasm>",
		Short: "Assemble and execute a program to completion",
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

			rt.Spawn(prog)
			if err := rt.Run(); err != nil {
				return err
			}
			return nil
		},
	}
	return cmd
}

func newRuntimeFromFlags(cmd *cobra.Command) (*vm.Runtime, *hostengine.Engine, error) {
	stackSize, err := cmd.Flags().GetUint64("stack-size")
	if err != nil {
		return nil, nil, err
	}
	heapSize, err := cmd.Flags().GetUint64("heap-size")
	if err != nil {
		return nil, nil, err
	}
	weightBudget, err := cmd.Flags().GetUint64("weight-budget")
	if err != nil {
		return nil, nil, err
	}
	debugFlag, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return nil, nil, err
	}

	verbosity := 0
	if debugFlag {
		verbosity = 1
	}
	host := hostengine.New(hostengine.Config{Verbosity: verbosity})

	const pid = 1
	rt := vm.NewRuntime(pid, heapSize, stackSize, weightBudget, host)
	return rt, host, nil
}
