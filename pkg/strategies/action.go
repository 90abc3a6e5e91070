package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// step is one command key of an action. Optional steps are logged when
// they fail and do not fail the action.
type step struct {
	key      string
	optional bool
}

func required(key string) step { return step{key: key} }

func optional(key string) step { return step{key: key, optional: true} }

// commandAction runs its steps in order. It succeeds only when every
// required step exits 0.
type commandAction struct {
	name      string
	desc      string
	estimate  time.Duration
	issueType string
	steps     []step
	deps      *Deps
}

func (a *commandAction) Name() string                     { return a.name }
func (a *commandAction) Description() string              { return a.desc }
func (a *commandAction) EstimatedDuration() time.Duration { return a.estimate }

func (a *commandAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	for _, s := range a.steps {
		if s.optional {
			a.deps.runTolerant(ctx, issue, a.issueType, s.key)
			continue
		}
		if _, err := a.deps.run(ctx, issue, a.issueType, s.key); err != nil {
			return false, fmt.Errorf("%s: %w", s.key, err)
		}
	}
	return true, nil
}

// restartAction restarts the unit of the issue component and reports
// success only when the unit is active afterwards.
type restartAction struct {
	name     string
	desc     string
	estimate time.Duration

	// component overrides the issue component when set.
	component string
	deps      *Deps
}

func (a *restartAction) Name() string                     { return a.name }
func (a *restartAction) Description() string              { return a.desc }
func (a *restartAction) EstimatedDuration() time.Duration { return a.estimate }

func (a *restartAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	component := issue.Component
	if a.component != "" {
		component = a.component
	}
	unit := a.deps.unit(component)
	services := a.deps.services()

	a.deps.Logger.Info().
		Str("issue_id", issue.ID).
		Str("component", component).
		Str("unit", unit).
		Msg("Restarting service")

	if err := services.Restart(ctx, unit); err != nil {
		return false, err
	}

	if a.deps.RestartWait > 0 {
		timer := time.NewTimer(a.deps.RestartWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	active, err := services.IsActive(ctx, unit)
	if err != nil {
		return false, err
	}
	if !active {
		return false, fmt.Errorf("service %s is not active after restart", unit)
	}
	return true, nil
}
