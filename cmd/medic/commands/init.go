package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/config"
	"github.com/openfroyo/medic/pkg/strategies"
)

func newInitCommand() *cobra.Command {
	var (
		force        bool
		withCommands bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long: `Write the default configuration to a file. The format follows the
extension: .yaml, .yml, .json or .cue.`,
		Example: `  # Write medic.yaml
  medic init

  # CUE, including the default command lines for editing
  medic init medic.cue --with-commands`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "medic.yaml"
			if len(args) > 0 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if withCommands {
				cfg.Commands = strategies.DefaultCommands()
				cfg.Services = make(map[string]string, len(strategies.DefaultUnits))
				for component, unit := range strategies.DefaultUnits {
					if component != "" {
						cfg.Services[component] = unit
					}
				}
			}

			data, err := config.Marshal(cfg, path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&withCommands, "with-commands", false, "include the default remediation command lines")

	return cmd
}
