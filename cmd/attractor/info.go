package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/attractor/internal/dot"
	"github.com/danshapiro/attractor/internal/model"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <pipeline.dot>",
		Short: "Print a summary of a pipeline graph",
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
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:  %s\n", g.Name)
			if goal := strings.TrimSpace(g.Attrs["goal"]); goal != "" {
				fmt.Fprintf(out, "goal:  %s\n", goal)
			}
			fmt.Fprintf(out, "nodes: %d\n", len(g.Nodes))
			fmt.Fprintf(out, "edges: %d\n", len(g.Edges))
			fmt.Fprintf(out, "start: %s\n", g.StartNodeID())
			fmt.Fprintf(out, "exit:  %s\n", strings.Join(g.ExitNodeIDs(), ", "))
			for _, id := range g.NodeIDs() {
				n := g.Nodes[id]
				line := fmt.Sprintf("  %-20s %s", id, model.KindForNode(n))
				if label := strings.TrimSpace(n.Label()); label != "" {
					line += "  " + label
				}
				if n.GoalGate() {
					line += "  [goal_gate]"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
