package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/healing"
)

func newHistoryCommand() *cobra.Command {
	var (
		issueID     string
		limit       int
		escalations bool
		audit       bool
		health      bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded healing actions, escalations, audit entries or health snapshots",
		Example: `  # Every action, oldest first
  medic history -c medic.yaml

  # Actions of one issue
  medic history --issue 3f1c...

  # Escalations and the audit trail
  medic history --escalations
  medic history --audit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			switch {
			case escalations:
				list, err := store.ListEscalations(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, list)
				}
				for _, e := range list {
					fmt.Fprintf(out, "%-14s %-36s %-8s %-12s %d attempts  %s\n",
						humanize.Time(e.Timestamp), e.IssueID, e.Severity, e.Component, e.Attempts, e.Reason)
				}

			case audit:
				var issue *string
				if issueID != "" {
					issue = &issueID
				}
				list, err := store.ListAuditEntries(ctx, nil, issue, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, list)
				}
				for _, e := range list {
					mark := "FAIL"
					if e.Success {
						mark = "ok"
					}
					fmt.Fprintf(out, "%-14s %-4s %-20s %-36s %-20s %s\n",
						humanize.Time(e.Timestamp), mark, e.Operation, e.IssueID, e.Action, e.Message)
				}

			case health:
				list, err := store.ListHealth(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, list)
				}
				for _, h := range list {
					down := 0
					for _, c := range h.Components {
						if c.Status == healing.ComponentDown {
							down++
						}
					}
					fmt.Fprintf(out, "%-14s %-9s %d/%d components down  error rate %.1f%%\n",
						humanize.Time(h.CheckedAt), h.Overall, down, len(h.Components), h.Metrics.ErrorRate)
				}

			default:
				list, err := store.ListActions(ctx, issueID, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, list)
				}
				for _, a := range list {
					mark := "FAIL"
					if a.Success {
						mark = "ok"
					}
					fmt.Fprintf(out, "%-14s %-4s %-36s %-22s %-8s %s\n",
						humanize.Time(a.Timestamp), mark, a.IssueID, a.Action, a.Duration.Round(time.Millisecond), a.Result)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&issueID, "issue", "", "only entries of this issue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&escalations, "escalations", false, "list escalations")
	cmd.Flags().BoolVar(&audit, "audit", false, "list audit entries")
	cmd.Flags().BoolVar(&health, "health", false, "list recorded health snapshots")
	cmd.MarkFlagsMutuallyExclusive("escalations", "audit", "health")

	return cmd
}
