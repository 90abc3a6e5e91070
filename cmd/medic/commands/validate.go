package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration and everything it references",
		Long: `Validate a configuration file against the schema and build everything it
references without starting anything.

This command checks:
  - CUE schema and struct validation of the file
  - Declared strategies, including script files and WASM modules
  - Strategy files in the watched directories
  - Rego policies when the policy guard is enabled
  - Probe definitions`,
		Example: `  # Validate medic.yaml
  medic validate medic.yaml

  # Same, through the global flag
  medic validate -c medic.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("no configuration given")
			}

			log.Info().Str("path", configPath).Msg("Validating configuration")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			policies := 0
			if a.guard != nil {
				policies = len(a.guard.ListPolicies())
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d strategies (%d declared), %d probes, %d policies\n",
				configPath, a.registry.Len(), len(a.decl.Types()), len(a.monitor.Checks()), policies)
			return nil
		},
	}

	return cmd
}
