package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ktstephano/ciphelvm/vm"
)

func newAsmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "asm <file.vasm>",
		Short: "Assemble a program and report its instruction count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := vm.AssembleFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d instructions\n", args[0], prog.Len())
			return nil
		},
	}
}
