// Command stateflow validates and runs workflow definitions from the
// command line.
//
//	stateflow validate workflow.json
//	stateflow run workflow.json --input '{"doc":"..."}' \
//	    --agent Summarize=anthropic:claude-3-5-sonnet-20241022
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "stateflow",
		Short:         "Declarative state-machine workflows for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(), newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
