package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/stores"
)

func newReportCommand() *cobra.Command {
	var (
		status string
		limit  int
		remote bool
		server string
	)

	cmd := &cobra.Command{
		Use:   "report [issue-id]",
		Short: "Show healing reports",
		Long: `Show healing reports from the store, or from a running server with --remote.

Without an issue id a summary of recent reports is printed.`,
		Example: `  # Summary of the last 20 reports
  medic report -c medic.yaml

  # Only escalations
  medic report --status escalated

  # One issue from the running server
  medic report --remote 3f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if remote {
				client := newAPIClient(serverURL(cfg, server))
				if len(args) == 1 {
					var report healing.HealingReport
					if err := client.do(ctx, "GET", "/reports/"+args[0], nil, &report); err != nil {
						return err
					}
					return renderReport(out, report)
				}
				var summary healing.SummaryReport
				if err := client.do(ctx, "GET", "/reports", nil, &summary); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, summary)
				}
				printSummary(out, summary)
				return nil
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				report, err := store.GetReport(ctx, args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("no report for issue %s", args[0])
				}
				if err != nil {
					return err
				}
				return renderReport(out, *report)
			}

			var filter *healing.ReportStatus
			if status != "" {
				s := healing.ReportStatus(status)
				if err := s.Validate(); err != nil {
					return err
				}
				filter = &s
			}
			reports, err := store.ListReports(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, reports)
			}

			summary := healing.SummaryReport{Total: len(reports)}
			for _, r := range reports {
				summary.Reports = append(summary.Reports, *r)
				switch r.Status {
				case healing.ReportResolved:
					summary.Resolved++
				case healing.ReportFailed:
					summary.Failed++
				case healing.ReportEscalated:
					summary.Escalated++
				default:
					summary.InProgress++
				}
			}
			if done := summary.Resolved + summary.Failed + summary.Escalated; done > 0 {
				summary.SuccessRate = float64(summary.Resolved) / float64(done) * 100
			}
			printSummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (resolved, failed, escalated)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports")
	cmd.Flags().BoolVar(&remote, "remote", false, "read from a running server instead of the store")
	cmd.Flags().StringVar(&server, "server", "", "server URL (default from http.listen)")

	return cmd
}
