package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/api"
)

func newStrategiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the registered healing strategies",
		Long: `List every healing strategy: the built-in ones and those declared in the
configuration and watched strategy directories. A declared strategy with
the same issue type replaces the built-in one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			declared := make(map[string]bool)
			for _, t := range a.decl.Types() {
				declared[t] = true
			}

			list := a.registry.List()
			out := cmd.OutOrStdout()
			if jsonOutput {
				infos := make([]api.StrategyInfo, 0, len(list))
				for _, s := range list {
					infos = append(infos, api.StrategyInfo{
						IssueType:   s.IssueType,
						Description: s.Description,
						Priority:    s.Priority,
						MaxAttempts: s.MaxAttempts,
						Cooldown:    s.CooldownPeriod.String(),
						Actions:     s.ActionNames(),
					})
				}
				return printJSON(out, infos)
			}

			for _, s := range list {
				origin := "built-in"
				if declared[s.IssueType] {
					origin = "declared"
				}
				fmt.Fprintf(out, "%-18s priority %d  %d attempts  cooldown %-6s %-8s %s\n",
					s.IssueType, s.Priority, s.MaxAttempts, s.CooldownPeriod, origin, s.Description)
				for _, action := range s.Actions {
					estimate := ""
					if d := action.EstimatedDuration(); d > 0 {
						estimate = "~" + d.String()
					}
					fmt.Fprintf(out, "    %-22s %-8s %s\n", action.Name(), estimate, action.Description())
				}
			}
			return nil
		},
	}

	return cmd
}
