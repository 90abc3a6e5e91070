package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/api"
	"github.com/openfroyo/medic/pkg/healing"
)

func newSubmitCommand() *cobra.Command {
	var (
		req    api.IssueRequest
		server string
		remote bool
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Report an issue and heal it",
		Long: `Report an issue for healing.

By default the issue is healed in this process with the configured
strategies and the final report is printed. With --remote the issue is
sent to a running "medic serve" instead. Critical failures are contained
(isolate, failover, page) and healed immediately.`,
		Example: `  # Heal a failed build locally
  medic submit --type build-failure --severity high --description "tsc failed"

  # Report an outage to the running server
  medic submit --remote --critical --component api --description "api is down"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if remote {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				client := newAPIClient(serverURL(cfg, server))
				if req.Critical {
					var report healing.HealingReport
					if err := client.do(ctx, "POST", "/issues", req, &report); err != nil {
						return err
					}
					return renderReport(out, report)
				}
				var issue healing.HealthIssue
				if err := client.do(ctx, "POST", "/issues", req, &issue); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, issue)
				}
				fmt.Fprintf(out, "Issue %s queued\n", issue.ID)
				return nil
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()
			a.start(ctx, false)

			var report healing.HealingReport
			if req.Critical {
				report, err = a.orch.SubmitCriticalFailure(ctx, healing.CriticalFailure{
					Type:        req.Type,
					Component:   req.Component,
					Description: req.Description,
					Metadata:    healing.IssueMetadata{Source: "cli", Extra: req.Extra},
				})
			} else {
				report, err = healLocally(ctx, a.orch, req, wait)
			}
			if err != nil {
				return err
			}
			return renderReport(out, report)
		},
	}

	cmd.Flags().StringVar(&req.Type, "type", "", "issue type, selects the healing strategy")
	cmd.Flags().StringVar(&req.Severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&req.Component, "component", "", "affected component")
	cmd.Flags().StringVar(&req.Description, "description", "", "human-readable summary")
	cmd.Flags().StringVar(&req.ID, "id", "", "issue id (generated when empty)")
	cmd.Flags().StringToStringVar(&req.Extra, "extra", nil, "extra context as key=value, exported to commands as MEDIC_<KEY>")
	cmd.Flags().BoolVar(&req.Critical, "critical", false, "contain and heal immediately as a critical failure")
	cmd.Flags().BoolVar(&remote, "remote", false, "send the issue to a running server")
	cmd.Flags().StringVar(&server, "server", "", "server URL (default from http.listen)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Minute, "maximum time to wait for healing")

	return cmd
}

// healLocally queues the issue and waits for its report to reach a
// terminal status.
func healLocally(ctx context.Context, orch *healing.Orchestrator, req api.IssueRequest, wait time.Duration) (healing.HealingReport, error) {
	severity, err := healing.ParseSeverity(req.Severity)
	if err != nil {
		return healing.HealingReport{}, err
	}
	issue, err := orch.SubmitIssue(ctx, healing.HealthIssue{
		ID:          req.ID,
		Type:        req.Type,
		Severity:    severity,
		Component:   req.Component,
		Description: req.Description,
		Metadata:    healing.IssueMetadata{Source: "cli", Extra: req.Extra},
	})
	if err != nil {
		return healing.HealingReport{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		report, err := orch.GenerateReport(issue.ID)
		if err != nil {
			return healing.HealingReport{}, err
		}
		if report.Status.IsTerminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("issue %s still %s: %w", issue.ID, report.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// renderReport prints the report and fails unless the issue was resolved.
func renderReport(out io.Writer, report healing.HealingReport) error {
	if jsonOutput {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}
	if !report.Success {
		return fmt.Errorf("issue %s %s", report.IssueID, report.Status)
	}
	return nil
}
