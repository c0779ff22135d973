package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dataflow/pkg/dataflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph>",
		Short: "Check a graph descriptor",
		Long: `Loads the descriptor, checks that every node type has a handler and every
subgraph reference resolves, and reports cycles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := dataflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := dataflow.NewRunner(g); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			name := g.Title()
			if name == "" {
				name = args[0]
			}
			fmt.Fprintf(out, "%s is valid: %d nodes, %d edges, %d subgraphs\n",
				name, len(g.Nodes()), len(g.Edges()), len(g.SubgraphIDs()))
			fmt.Fprintf(out, "entries: %s\n", strings.Join(g.Entries(), ", "))
			if deferred := g.DeferredEntries(); len(deferred) > 0 {
				fmt.Fprintf(out, "deferred: %s\n", strings.Join(deferred, ", "))
			}
			if cycle := dataflow.DetectCycle(g); cycle != nil {
				fmt.Fprintf(out, "cycle: %s (run only, plan refuses it)\n", strings.Join(cycle, " -> "))
			}
			return nil
		},
	}
}
