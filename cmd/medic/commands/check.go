package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/healing"
)

func newCheckCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run every health probe once and print the result",
		Long: `Run every configured health probe once, without healing anything.

The overall status is healthy, warning or critical. With --strict the
command fails unless the system is healthy.`,
		Example: `  # Check with the default probes
  medic check

  # Fail in scripts when anything is wrong
  medic check -c medic.yaml --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			health := a.monitor.PerformHealthCheck(ctx)

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, health); err != nil {
					return err
				}
			} else {
				printHealth(out, health)
			}

			if strict && health.Overall != healing.OverallHealthy {
				return fmt.Errorf("system is %s", health.Overall)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail unless the system is healthy")

	return cmd
}

func printHealth(w io.Writer, h healing.SystemHealth) {
	fmt.Fprintf(w, "Overall: %s (checked %s)\n", h.Overall, humanize.Time(h.CheckedAt))
	fmt.Fprintf(w, "Memory: %.1f%%  CPU: %.1f%%  Error rate: %.1f%%  Response time: %s\n",
		h.Metrics.MemoryUsage, h.Metrics.CPUUsage, h.Metrics.ErrorRate, h.Metrics.ResponseTime.Round(time.Millisecond))

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := h.Components[name]
		fmt.Fprintf(w, "  %-16s %-12s %8s", name, c.Status, c.Latency.Round(time.Millisecond))
		for _, issue := range c.Issues {
			fmt.Fprintf(w, "  %s", issue)
		}
		fmt.Fprintln(w)
	}
}
