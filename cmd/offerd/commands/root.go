package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offerd",
		Short: "offerd - offer-driven scheduler for stateful daemons",
		Long: `offerd keeps a cluster of stateful daemons running on resources offered
by a cluster resource manager.

Features:
  - Deployment plans that launch and replace daemons one node at a time
  - Persistent reservations and volumes reused across replacements
  - Cluster-wide backup and restore operations
  - Placement policies written in Rego
  - Configuration in YAML or CUE, reloaded on change`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML, JSON or CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEvaluateCommand())
	rootCmd.AddCommand(newOperationCommand(operationBackup))
	rootCmd.AddCommand(newOperationCommand(operationRestore))
	rootCmd.AddCommand(newTasksCommand())

	return rootCmd
}
