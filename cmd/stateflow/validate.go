package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/stateflow-go/flow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>",
		Short: "Parse and validate a workflow definition (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flow.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "ok: %d states, StartAt %s\n", len(def.States), def.StartAt)
			return nil
		},
	}
}
