package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/attractor/internal/engine"
)

func newResumeCmd() *cobra.Command {
	var response string
	var checkpoint string

	cmd := &cobra.Command{
		Use:   "resume <logs-dir>",
		Short: "Resume a run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := engine.Resume(cmd.Context(), args[0], engine.ResumeOptions{
				CheckpointPath: checkpoint,
				HumanResponse:  response,
			})
			if err != nil {
				printFatal(cmd.ErrOrStderr(), err, nil)
				os.Exit(1)
			}
			if res.Suspended {
				fmt.Fprintf(cmd.OutOrStdout(), "suspended at %s awaiting human input\ncheckpoint: %s\n",
					res.WaitingNode, res.CheckpointPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s completed: %d nodes, total cost $%.4f\n",
				res.SessionID, len(res.CompletedNodes), res.TotalCost)
			return nil
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "answer for the wait-human node the run suspended on")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "explicit checkpoint file (default: newest in logs dir)")
	return cmd
}
