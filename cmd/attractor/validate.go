package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/attractor/internal/dot"
	"github.com/danshapiro/attractor/internal/validate"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.dot>",
		Short: "Validate a pipeline graph without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			g, err := dot.Parse(src)
			if err != nil {
				return err
			}
			diags := validate.Validate(g)
			printDiagnostics(cmd.OutOrStdout(), diags, true)
			if errs := validate.Errors(diags); len(errs) > 0 {
				return fmt.Errorf("%d validation error(s)", len(errs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d warnings)\n", g.Name, len(diags))
			return nil
		},
	}
}
