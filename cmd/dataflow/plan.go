package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dataflow/pkg/dataflow"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <graph>",
		Short: "Print the execution order of an acyclic graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := dataflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			p, err := dataflow.CreatePlan(g)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range p.Tasks() {
				line := fmt.Sprintf("%d %s (%s)", t.Index, t.Node.ID, t.Node.Type)
				if len(t.Predecessors) > 0 {
					line += " <- " + strings.Join(t.Predecessors, ", ")
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
