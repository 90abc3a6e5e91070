package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
)

// LogSink writes escalations and pages to the logger. It is the fallback
// when no webhook is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-only notifier.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Escalate implements healing.EscalationSink.
func (s *LogSink) Escalate(ctx context.Context, esc healing.Escalation) error {
	s.logger.Error().
		Str("issue_id", esc.IssueID).
		Str("severity", string(esc.Severity)).
		Str("component", esc.Component).
		Int("attempts", esc.Attempts).
		Str("reason", esc.Reason).
		Msg("Issue escalated to operators")
	return nil
}

// Page implements healing.Pager.
func (s *LogSink) Page(ctx context.Context, page healing.Page) error {
	s.logger.Error().
		Str("issue_id", page.IssueID).
		Str("component", page.Component).
		Str("severity", string(page.Severity)).
		Msg(page.Summary)
	return nil
}

// Notifier is both an escalation sink and a pager.
type Notifier interface {
	healing.EscalationSink
	healing.Pager
}

// Multi fans a notification out to every notifier. All notifiers are
// tried; the errors are joined.
type Multi []Notifier

// Escalate implements healing.EscalationSink.
func (m Multi) Escalate(ctx context.Context, esc healing.Escalation) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Escalate(ctx, esc))
	}
	return errors.Join(errs...)
}

// Page implements healing.Pager.
func (m Multi) Page(ctx context.Context, page healing.Page) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Page(ctx, page))
	}
	return errors.Join(errs...)
}
