package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/attractor/internal/engine"
	"github.com/danshapiro/attractor/internal/validate"
)

func newRunCmd() *cobra.Command {
	var (
		workdir      string
		logsDir      string
		configPath   string
		dryRun       bool
		maxBudgetUSD float64
		maxSteps     int
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline.dot>",
		Short: "Execute a pipeline graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			opts := engine.RunOptions{
				Workdir:  workdir,
				LogsRoot: logsDir,
			}
			if cmd.Flags().Changed("max-budget-usd") {
				opts.MaxBudgetUSD = &maxBudgetUSD
			}
			if cmd.Flags().Changed("max-steps") {
				opts.MaxSteps = &maxSteps
			}
			if configPath != "" {
				cfg, err := engine.LoadRunConfigFile(configPath)
				if err != nil {
					return err
				}
				cfg.ApplyTo(&opts)
			}

			g, diags, err := engine.Prepare(src)
			printDiagnostics(cmd.ErrOrStderr(), diags, verbose)
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "dry run: %s validates (%d nodes, %d edges); nothing executed\n",
					g.Name, len(g.Nodes), len(g.Edges))
				return nil
			}

			eng, err := engine.New(g, opts)
			if err != nil {
				return err
			}
			eng.DotSource = src
			res, err := eng.Run(cmd.Context())
			if err != nil {
				printFatal(cmd.ErrOrStderr(), err, eng)
				os.Exit(1)
			}
			if res.Suspended {
				fmt.Fprintf(cmd.OutOrStdout(), "suspended at %s awaiting human input\ncheckpoint: %s\n",
					res.WaitingNode, res.CheckpointPath)
				fmt.Fprintf(cmd.OutOrStdout(), "resume with: attractor resume %s --response <text>\n", eng.Options.LogsRoot)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s completed: %d nodes, total cost $%.4f\n",
				res.SessionID, len(res.CompletedNodes), res.TotalCost)
			if verbose {
				for _, id := range res.CompletedNodes {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for tool commands")
	cmd.Flags().StringVar(&logsDir, "logs", "", "logs directory (default: temp dir per session)")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML run config")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate without executing")
	cmd.Flags().Float64Var(&maxBudgetUSD, "max-budget-usd", 0, "abort when total cost reaches this amount")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "abort after this many node executions")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print warnings and per-node detail")
	return cmd
}

// printFatal renders the error kind, node (when applicable), a one-line
// summary, and the last checkpoint path.
func printFatal(w io.Writer, err error, eng *engine.Engine) {
	kind := "EngineError"
	nodeID := ""
	var (
		ve  *engine.ValidationError
		hm  *engine.HandlerMissing
		he  *engine.HandlerError
		sle *engine.StepLimitExceeded
		be  *engine.BudgetExceeded
		mre *engine.MaxRetriesExceeded
		ggu *engine.GoalGateUnsatisfied
		ce  *engine.CheckpointError
		re  *engine.ResumeError
	)
	switch {
	case errors.As(err, &ve):
		kind = "ValidationError"
	case errors.As(err, &hm):
		kind = "HandlerMissing"
	case errors.As(err, &he):
		kind = "HandlerError"
		nodeID = he.NodeID
	case errors.As(err, &sle):
		kind = "StepLimitExceeded"
	case errors.As(err, &be):
		kind = "BudgetExceeded"
	case errors.As(err, &mre):
		kind = "MaxRetriesExceeded"
	case errors.As(err, &ggu):
		kind = "GoalGateUnsatisfied"
		nodeID = ggu.GateID
	case errors.As(err, &ce):
		kind = "CheckpointError"
	case errors.As(err, &re):
		kind = "ResumeError"
	}
	line := fmt.Sprintf("%s: %v\n", kind, err)
	if nodeID != "" {
		line = fmt.Sprintf("%s (node %s): %v\n", kind, nodeID, err)
	}
	_, _ = w.Write([]byte(line))
	if eng != nil {
		if ckpt := engineCheckpointPath(eng); ckpt != "" {
			_, _ = w.Write([]byte("last checkpoint: " + ckpt + "\n"))
		}
	}
}

func engineCheckpointPath(eng *engine.Engine) string {
	// The checkpoint lives at a deterministic path per session.
	return fmt.Sprintf("%s/%s.ckpt", eng.Options.LogsRoot, eng.Options.SessionID)
}

func printDiagnostics(w io.Writer, diags []validate.Diagnostic, verbose bool) {
	for _, d := range diags {
		if d.Severity != validate.SeverityError && !verbose {
			continue
		}
		loc := ""
		switch {
		case d.NodeID != "":
			loc = " [" + d.NodeID + "]"
		case d.EdgeFrom != "":
			loc = " [" + d.EdgeFrom + " -> " + d.EdgeTo + "]"
		}
		fmt.Fprintf(w, "%s %s%s: %s\n", d.Severity, d.Rule, loc, d.Message)
	}
}
