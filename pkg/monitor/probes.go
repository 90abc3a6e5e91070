package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	_ "modernc.org/sqlite"

	"github.com/openfroyo/medic/pkg/runner"
)

// Probe kinds accepted by ProbeSpec.
const (
	ProbeHTTP       = "http"
	ProbeTCP        = "tcp"
	ProbeDNS        = "dns"
	ProbeSQL        = "sql"
	ProbeDisk       = "disk"
	ProbeMemory     = "memory"
	ProbeProcess    = "process"
	ProbeCommand    = "command"
	ProbeGoroutines = "goroutines"
)

// ProbeSpec declares a probe in configuration.
type ProbeSpec struct {
	// Name is the component the probe reports on.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind selects the probe implementation.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=http tcp dns sql disk memory process command goroutines"`

	// Target is the URL, address, host, DSN, path or process name.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Driver is the database/sql driver for sql probes (default "sqlite").
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	// Threshold is the maximum usage percent (disk, memory) or goroutine count.
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// Command is the shell command of command probes.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Timeout overrides the probe timeout of network probes.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultProbeSpecs returns the stock probe set: API health endpoint,
// database ping, memory and disk usage, and cache reachability.
func DefaultProbeSpecs() []ProbeSpec {
	return []ProbeSpec{
		{Name: "api", Kind: ProbeHTTP, Target: "http://localhost:3000/health"},
		{Name: "database", Kind: ProbeSQL, Driver: "sqlite", Target: "file:medic.db?mode=ro"},
		{Name: "memory", Kind: ProbeMemory, Threshold: 90},
		{Name: "storage", Kind: ProbeDisk, Target: "/", Threshold: 90},
		{Name: "cache", Kind: ProbeTCP, Target: "localhost:6379"},
	}
}

// FromHealthcheck adapts a healthcheck.Check into a CheckFunc.
func FromHealthcheck(check healthcheck.Check) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := check(); err != nil {
			return false, err
		}
		return true, nil
	}
}

// HTTPGetCheck passes when url answers GET with a 2xx status.
func HTTPGetCheck(url string, timeout time.Duration) CheckFunc {
	return FromHealthcheck(healthcheck.HTTPGetCheck(url, timeout))
}

// TCPDialCheck passes when addr accepts TCP connections.
func TCPDialCheck(addr string, timeout time.Duration) CheckFunc {
	return FromHealthcheck(healthcheck.TCPDialCheck(addr, timeout))
}

// DNSResolveCheck passes when host resolves to at least one address.
func DNSResolveCheck(host string, timeout time.Duration) CheckFunc {
	return FromHealthcheck(healthcheck.DNSResolveCheck(host, timeout))
}

// DatabasePingCheck passes when db answers a ping.
func DatabasePingCheck(db *sql.DB, timeout time.Duration) CheckFunc {
	return FromHealthcheck(healthcheck.DatabasePingCheck(db, timeout))
}

// GoroutineCountCheck passes while the process runs fewer than threshold goroutines.
func GoroutineCountCheck(threshold int) CheckFunc {
	return FromHealthcheck(healthcheck.GoroutineCountCheck(threshold))
}

// DiskUsageCheck passes while the filesystem at path is below maxPercent used.
func DiskUsageCheck(path string, maxPercent float64) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return false, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
		}
		if usage.UsedPercent > maxPercent {
			return false, fmt.Errorf("disk usage of %s is %.1f%% (limit %.1f%%)", path, usage.UsedPercent, maxPercent)
		}
		return true, nil
	}
}

// MemoryUsageCheck passes while system memory is below maxPercent used.
func MemoryUsageCheck(maxPercent float64) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read memory usage: %w", err)
		}
		if vm.UsedPercent > maxPercent {
			return false, fmt.Errorf("memory usage is %.1f%% (limit %.1f%%)", vm.UsedPercent, maxPercent)
		}
		return true, nil
	}
}

// ProcessCheck passes when a process with the given name is running.
func ProcessCheck(name string) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list processes: %w", err)
		}
		for _, p := range procs {
			pname, err := p.NameWithContext(ctx)
			if err != nil {
				continue
			}
			if pname == name {
				return true, nil
			}
		}
		return false, fmt.Errorf("process %s is not running", name)
	}
}

// CommandCheck passes when cmd exits with code 0.
func CommandCheck(r runner.Runner, cmd runner.Command) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		res, err := r.Run(ctx, cmd)
		if err != nil {
			return false, err
		}
		return res.Success(), nil
	}
}

// BuildCheck turns a spec into a CheckFunc. The returned close function
// releases resources held by the probe and is never nil.
func BuildCheck(spec ProbeSpec, r runner.Runner, defaultTimeout time.Duration) (CheckFunc, func() error, error) {
	noop := func() error { return nil }
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	requireTarget := func() error {
		if strings.TrimSpace(spec.Target) == "" {
			return fmt.Errorf("probe %s: %s probe requires a target", spec.Name, spec.Kind)
		}
		return nil
	}

	switch spec.Kind {
	case ProbeHTTP:
		if err := requireTarget(); err != nil {
			return nil, noop, err
		}
		return HTTPGetCheck(spec.Target, timeout), noop, nil

	case ProbeTCP:
		if err := requireTarget(); err != nil {
			return nil, noop, err
		}
		return TCPDialCheck(spec.Target, timeout), noop, nil

	case ProbeDNS:
		if err := requireTarget(); err != nil {
			return nil, noop, err
		}
		return DNSResolveCheck(spec.Target, timeout), noop, nil

	case ProbeSQL:
		if err := requireTarget(); err != nil {
			return nil, noop, err
		}
		driver := spec.Driver
		if driver == "" {
			driver = "sqlite"
		}
		db, err := sql.Open(driver, spec.Target)
		if err != nil {
			return nil, noop, fmt.Errorf("probe %s: failed to open database: %w", spec.Name, err)
		}
		db.SetMaxOpenConns(1)
		return DatabasePingCheck(db, timeout), db.Close, nil

	case ProbeDisk:
		path := spec.Target
		if path == "" {
			path = "/"
		}
		return DiskUsageCheck(path, thresholdOr(spec.Threshold, 90)), noop, nil

	case ProbeMemory:
		return MemoryUsageCheck(thresholdOr(spec.Threshold, 90)), noop, nil

	case ProbeProcess:
		if err := requireTarget(); err != nil {
			return nil, noop, err
		}
		return ProcessCheck(spec.Target), noop, nil

	case ProbeCommand:
		if spec.Command == "" {
			return nil, noop, fmt.Errorf("probe %s: command probe requires a command", spec.Name)
		}
		if r == nil {
			return nil, noop, fmt.Errorf("probe %s: command probe requires a runner", spec.Name)
		}
		return CommandCheck(r, runner.Command{Script: spec.Command, Timeout: timeout}), noop, nil

	case ProbeGoroutines:
		return GoroutineCountCheck(int(thresholdOr(spec.Threshold, 10000))), noop, nil

	default:
		return nil, noop, fmt.Errorf("probe %s: unknown probe kind %q", spec.Name, spec.Kind)
	}
}

func thresholdOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// RegisterProbes builds and registers every spec. Resources are released by Close.
func (m *Monitor) RegisterProbes(specs []ProbeSpec, r runner.Runner) error {
	for _, spec := range specs {
		check, closeFn, err := BuildCheck(spec, r, m.cfg.ProbeTimeout)
		if err != nil {
			return err
		}
		m.closersMu.Lock()
		m.closers = append(m.closers, closeFn)
		m.closersMu.Unlock()
		m.RegisterCheck(spec.Name, check)
	}
	return nil
}
