// Command ciphelvm runs, assembles and interactively steps programs for the
// bytecode core in package vm. Command layout follows golang-debug's
// cobra tree (one subcommand file each, wired from a single root in
// main), and repl borrows its readline + cobra pairing for the interactive
// line editor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ciphelvm",
		Short: "Run and inspect programs for the ciphelvm bytecode core",
	}

	root.PersistentFlags().Uint64("stack-size", 1<<20, "stack region size in bytes")
	root.PersistentFlags().Uint64("heap-size", 1<<24, "heap region size in bytes")
	root.PersistentFlags().Uint64("weight-budget", 1<<16, "per-round scheduler weight budget")
	root.PersistentFlags().Bool("debug", false, "log disassembled instructions as they execute")

	root.AddCommand(newRunCmd())
	root.AddCommand(newAsmCmd())
	root.AddCommand(newReplCmd())
	return root
}
