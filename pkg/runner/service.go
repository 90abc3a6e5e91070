package runner

import (
	"context"
	"fmt"
	"strings"
)

// ServiceManager controls system services through systemctl.
type ServiceManager struct {
	runner Runner

	// Sudo prefixes every systemctl call with sudo -n.
	Sudo bool
}

// NewServiceManager creates a manager using runner.
func NewServiceManager(runner Runner, sudo bool) *ServiceManager {
	return &ServiceManager{runner: runner, Sudo: sudo}
}

func (m *ServiceManager) systemctl(ctx context.Context, args ...string) (*Result, error) {
	if m.Sudo {
		return m.runner.Run(ctx, Exec("sudo", append([]string{"-n", "systemctl"}, args...)...))
	}
	return m.runner.Run(ctx, Exec("systemctl", args...))
}

// Restart restarts the named service.
func (m *ServiceManager) Restart(ctx context.Context, service string) error {
	if _, err := m.systemctl(ctx, "restart", service); err != nil {
		return fmt.Errorf("failed to restart %s: %w", service, err)
	}
	return nil
}

// Stop stops the named service.
func (m *ServiceManager) Stop(ctx context.Context, service string) error {
	if _, err := m.systemctl(ctx, "stop", service); err != nil {
		return fmt.Errorf("failed to stop %s: %w", service, err)
	}
	return nil
}

// Start starts the named service.
func (m *ServiceManager) Start(ctx context.Context, service string) error {
	if _, err := m.systemctl(ctx, "start", service); err != nil {
		return fmt.Errorf("failed to start %s: %w", service, err)
	}
	return nil
}

// IsActive reports whether the named service is running. A stopped
// service is not an error.
func (m *ServiceManager) IsActive(ctx context.Context, service string) (bool, error) {
	res, err := m.systemctl(ctx, "is-active", service)
	if res == nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "active", nil
}
