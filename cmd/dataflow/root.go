package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd assembles the command tree. Tests build a fresh tree per case.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dataflow",
		Short: "Run dataflow graphs",
		Long: `dataflow executes graph descriptors (JSON or YAML). Runs that wait for
input can be checkpointed to SQLite or Redis and resumed later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringArray("config", nil, "settings file (.yaml, .yml or .json); repeat to layer files, later ones win")
	root.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(newRunCmd(), newResumeCmd(), newValidateCmd(), newPlanCmd())
	return root
}
