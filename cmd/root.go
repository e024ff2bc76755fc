package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumalabs/risq/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "risq",
	Short: "risq drives a RISP controller client from the command line",
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command, printing any error to stderr and setting
// a non-zero exit code.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
