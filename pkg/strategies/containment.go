package strategies

import (
	"context"
	"fmt"

	"github.com/openfroyo/medic/pkg/healing"
)

// Containment isolates failed components and activates failover through
// the containment command keys. Without isolate commands the component
// unit is stopped.
type Containment struct {
	deps *Deps
}

// NewContainment creates a containment over deps.
func NewContainment(deps *Deps) *Containment {
	return &Containment{deps: deps}
}

var _ healing.Containment = (*Containment)(nil)

// Isolate implements healing.Containment.
func (c *Containment) Isolate(ctx context.Context, component string) error {
	issue := healing.HealthIssue{Component: component}
	if lines := c.deps.commands(TypeContainment, KeyIsolate); len(lines) > 0 {
		if _, err := c.deps.runLines(ctx, issue, lines); err != nil {
			return fmt.Errorf("failed to isolate %s: %w", component, err)
		}
		return nil
	}

	unit := c.deps.unit(component)
	c.deps.Logger.Warn().Str("component", component).Str("unit", unit).Msg("Isolating component")
	return c.deps.services().Stop(ctx, unit)
}

// ActivateFailover implements healing.Containment. It is a no-op when no
// failover commands are configured.
func (c *Containment) ActivateFailover(ctx context.Context, component string) error {
	lines := c.deps.commands(TypeContainment, KeyFailover)
	if len(lines) == 0 {
		c.deps.Logger.Info().Str("component", component).Msg("No failover configured")
		return nil
	}
	if _, err := c.deps.runLines(ctx, healing.HealthIssue{Component: component}, lines); err != nil {
		return fmt.Errorf("failed to activate failover for %s: %w", component, err)
	}
	return nil
}
