package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// version is reported as the service version in telemetry.
	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "medic",
		Short: "medic - self-healing orchestration engine",
		Long: `medic watches the health of a system and remediates the problems it finds.

Features:
  - Concurrent health probes with status change detection
  - Prioritised healing queue with retry budgets and cooldowns
  - Built-in strategies for builds, performance, security, memory,
    tests, databases and failed components
  - Declarative strategies in YAML or CUE with shell, Starlark and WASM actions
  - Rego policies guarding every remediation action
  - Escalation and on-call paging through webhooks
  - SQLite history of issues, actions and reports`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML, JSON or CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newStrategiesCommand())
	rootCmd.AddCommand(newRollbackCommand())

	return rootCmd
}
