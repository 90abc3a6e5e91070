package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/api"
)

func newRollbackCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "rollback <issue-id> <action>",
		Short: "Undo a remediation action on the running server",
		Long: `Undo an action the running server executed for an issue.

Only actions that keep what they changed support rollback: update-config
restores the patched build files and rotate-secrets restores the previous
env files. Declared command actions support rollback when they list
rollback commands. Medic never rolls back on its own.`,
		Example: `  medic rollback 3f1c... rotate-secrets`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := newAPIClient(serverURL(cfg, server))
			issueID, action := args[0], args[1]
			if err := client.do(cmd.Context(), "POST", "/issues/"+issueID+"/rollback", api.RollbackRequest{Action: action}, nil); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s for issue %s\n", action, issueID)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server URL (default from http.listen)")

	return cmd
}
