package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/medic/pkg/api"
	"github.com/openfroyo/medic/pkg/config"
	"github.com/openfroyo/medic/pkg/healing"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r healing.HealingReport) {
	fmt.Fprintf(w, "Issue:    %s (%s, %s)\n", r.IssueID, r.Issue.Type, r.Issue.Severity)
	if r.Issue.Component != "" {
		fmt.Fprintf(w, "Component: %s\n", r.Issue.Component)
	}
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	if !r.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Finished: %s (took %s)\n", humanize.Time(r.CompletedAt), r.TotalDuration.Round(time.Millisecond))
	}
	if r.EscalationReason != "" {
		fmt.Fprintf(w, "Escalated: %s\n", r.EscalationReason)
	}
	if r.Recommendation != "" {
		fmt.Fprintf(w, "Recommendation: %s\n", r.Recommendation)
	}
	if len(r.ActionsPerformed) > 0 {
		fmt.Fprintln(w, "Actions:")
		printActions(w, r.ActionsPerformed)
	}
}

func printActions(w io.Writer, actions []healing.HealingAction) {
	for _, a := range actions {
		mark := "FAIL"
		if a.Success {
			mark = "ok"
		}
		fmt.Fprintf(w, "  %-4s %-22s %-8s %s  %s\n",
			mark, a.Action, a.Duration.Round(time.Millisecond), humanize.Time(a.Timestamp), a.Result)
	}
}

func printSummary(w io.Writer, s healing.SummaryReport) {
	fmt.Fprintf(w, "Issues: %d  resolved: %d  failed: %d  escalated: %d  in progress: %d  success rate: %s%%\n",
		s.Total, s.Resolved, s.Failed, s.Escalated, s.InProgress, humanize.FtoaWithDigits(s.SuccessRate, 1))
	for _, r := range s.Reports {
		fmt.Fprintf(w, "  %-36s %-18s %-10s %d actions\n", r.IssueID, r.Issue.Type, r.Status, len(r.ActionsPerformed))
	}
}

// serverURL returns the base URL of the local serve instance.
func serverURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	listen := cfg.HTTP.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

// apiClient talks to a running serve instance.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, http: &http.Client{Timeout: 10 * time.Minute}}
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
