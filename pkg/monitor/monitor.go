// Package monitor probes system components and publishes health
// transitions on the healing event bus.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/telemetry"
)

// CheckFunc probes one component. Returning false or an error marks the
// component down.
type CheckFunc func(ctx context.Context) (bool, error)

// MetricsSource reports host resource usage in percent.
type MetricsSource interface {
	Usage(ctx context.Context) (memory, cpu float64, err error)
}

// probeResult is the outcome of one probe within a tick.
type probeResult struct {
	name    string
	ok      bool
	err     error
	latency time.Duration
}

// Monitor runs registered probes and derives SystemHealth snapshots.
type Monitor struct {
	cfg     Config
	bus     *healing.Bus
	source  MetricsSource
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	checks cmap.ConcurrentMap[string, CheckFunc]
	pool   *ants.Pool

	closersMu sync.Mutex
	closers   []func() error

	createdAt time.Time

	// tickMu serialises ticks so snapshots are diffed in order.
	tickMu sync.Mutex

	mu        sync.RWMutex
	last      *healing.SystemHealth
	downSince map[string]time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor. bus and source may be nil.
func New(cfg Config, bus *healing.Bus, source MetricsSource, logger zerolog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}

	m := &Monitor{
		cfg:       cfg,
		bus:       bus,
		source:    source,
		logger:    logger.With().Str("component", "monitor").Logger(),
		checks:    cmap.New[CheckFunc](),
		createdAt: time.Now(),
		downSince: make(map[string]time.Time),
	}

	// Non-blocking: probes beyond the pool size run on their own goroutine,
	// so a tick takes about one ProbeTimeout however many probes hang.
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			m.logger.Error().Interface("panic", p).Msg("Probe worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pool: %w", err)
	}
	m.pool = pool
	return m, nil
}

// SetMetrics installs Prometheus metrics.
func (m *Monitor) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// RegisterCheck adds a probe. A probe with the same name is replaced.
func (m *Monitor) RegisterCheck(name string, check CheckFunc) {
	m.checks.Set(name, check)
	m.logger.Debug().Str("probe", name).Msg("Probe registered")
}

// UnregisterCheck removes a probe.
func (m *Monitor) UnregisterCheck(name string) {
	m.checks.Remove(name)
}

// Checks returns the registered probe names, sorted.
func (m *Monitor) Checks() []string {
	names := m.checks.Keys()
	sort.Strings(names)
	return names
}

// Start runs a tick immediately and then every interval until Stop.
// A zero interval uses the configured one. Starting twice is a no-op.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(runCtx, interval, m.done)
	m.logger.Info().Dur("interval", interval).Int("probes", m.checks.Count()).Msg("Health monitor started")
}

// Stop ends the periodic ticks and waits for a running tick. Stopping a
// monitor that is not running is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	<-m.done
	m.running = false
	m.logger.Info().Msg("Health monitor stopped")
}

// Close stops the monitor and releases the probe pool and probe resources.
func (m *Monitor) Close() error {
	m.Stop()
	m.pool.Release()

	m.closersMu.Lock()
	defer m.closersMu.Unlock()
	var errs []error
	for _, closeFn := range m.closers {
		errs = append(errs, closeFn())
	}
	m.closers = nil
	return errors.Join(errs...)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.PerformHealthCheck(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PerformHealthCheck runs every probe concurrently, stores the snapshot and
// publishes the transitions against the previous snapshot.
func (m *Monitor) PerformHealthCheck(ctx context.Context) healing.SystemHealth {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	results := m.runProbes(ctx)
	now := time.Now()
	aborted := ctx.Err() != nil

	health := healing.SystemHealth{
		Components: make(map[string]healing.ComponentHealth, len(results)),
		CheckedAt:  now,
	}

	down := 0
	var maxLatency time.Duration
	for _, r := range results {
		ch := healing.ComponentHealth{
			Status:    healing.ComponentOperational,
			LastCheck: now,
			Latency:   r.latency,
		}
		switch {
		case r.err != nil:
			ch.Status = healing.ComponentDown
			ch.Issues = []string{r.err.Error()}
		case !r.ok:
			ch.Status = healing.ComponentDown
			ch.Issues = []string{"health check returned false"}
		case m.cfg.DegradedLatency > 0 && r.latency > m.cfg.DegradedLatency:
			ch.Status = healing.ComponentDegraded
			ch.Issues = []string{fmt.Sprintf("slow response: %s", r.latency.Round(time.Millisecond))}
		}
		if ch.Status == healing.ComponentDown {
			down++
		}
		if r.latency > maxLatency {
			maxLatency = r.latency
		}
		health.Components[r.name] = ch
	}

	health.Metrics = healing.HealthMetrics{
		Uptime:       now.Sub(m.createdAt),
		ResponseTime: maxLatency,
	}
	if len(results) > 0 {
		health.Metrics.ErrorRate = float64(down) / float64(len(results)) * 100
	}
	if m.source != nil {
		memory, cpu, err := m.source.Usage(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to read host metrics")
		} else {
			health.Metrics.MemoryUsage = memory
			health.Metrics.CPUUsage = cpu
		}
	}
	health.Overall = m.overall(health)

	if aborted {
		// Probes cancelled by shutdown say nothing about the components.
		m.logger.Debug().Msg("Health check aborted")
		return health
	}

	for name, c := range health.Components {
		m.metrics.RecordProbe(name, c.Latency)
		m.metrics.SetComponentStatus(name, string(c.Status))
	}
	m.metrics.SetSystemUsage(health.Metrics.MemoryUsage, health.Metrics.CPUUsage, health.Metrics.ErrorRate)
	m.metrics.SetOverallStatus(string(health.Overall))

	m.mu.Lock()
	previous := m.last
	snapshot := health.Clone()
	m.last = &snapshot
	events := m.transitionsLocked(previous, health, now)
	m.mu.Unlock()

	if m.bus != nil {
		for _, evt := range events {
			m.bus.Publish(evt)
		}
	}

	m.logger.Debug().
		Str("overall", string(health.Overall)).
		Int("components", len(health.Components)).
		Int("down", down).
		Dur("response_time", maxLatency).
		Msg("Health check completed")

	return health
}

func (m *Monitor) runProbes(ctx context.Context) []probeResult {
	names := m.Checks()
	results := make([]probeResult, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		check, ok := m.checks.Get(name)
		if !ok {
			results[i] = probeResult{name: name, err: errors.New("probe unregistered during tick")}
			continue
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = m.runProbe(ctx, name, check)
		}
		if err := m.pool.Submit(task); err != nil {
			m.logger.Debug().Err(err).Str("probe", name).Msg("Probe pool saturated, running on a dedicated goroutine")
			go task()
		}
	}
	wg.Wait()
	return results
}

// runProbe runs one probe under the probe timeout. A probe ignoring its
// context is abandoned when the timeout fires.
func (m *Monitor) runProbe(ctx context.Context, name string, check CheckFunc) probeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		ok, err := check(pctx)
		done <- outcome{ok: ok, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-pctx.Done():
		out = outcome{err: fmt.Errorf("probe timed out after %s", m.cfg.ProbeTimeout)}
	}

	result := probeResult{name: name, ok: out.ok, err: out.err, latency: time.Since(start)}
	if result.err != nil || !result.ok {
		m.logger.Warn().Str("probe", name).Err(result.err).Dur("latency", result.latency).Msg("Probe failed")
	}
	return result
}

func (m *Monitor) overall(h healing.SystemHealth) healing.OverallStatus {
	t := m.cfg.Thresholds
	degraded := false
	for _, c := range h.Components {
		switch c.Status {
		case healing.ComponentDown:
			return healing.OverallCritical
		case healing.ComponentDegraded:
			degraded = true
		}
	}

	mt := h.Metrics
	if mt.MemoryUsage > t.CriticalMemory || mt.CPUUsage > t.CriticalCPU || mt.ErrorRate > t.CriticalErrorRate {
		return healing.OverallCritical
	}
	if degraded || mt.MemoryUsage > t.WarningMemory || mt.CPUUsage > t.WarningCPU || mt.ErrorRate > t.WarningErrorRate {
		return healing.OverallWarning
	}
	return healing.OverallHealthy
}

// transitionsLocked diffs two snapshots into events. The caller must hold m.mu.
func (m *Monitor) transitionsLocked(previous *healing.SystemHealth, current healing.SystemHealth, now time.Time) []healing.Payload {
	var events []healing.Payload

	prevOverall := healing.OverallHealthy
	if previous != nil {
		prevOverall = previous.Overall
	}
	if current.Overall != prevOverall {
		events = append(events, healing.HealthStatusChanged{From: prevOverall, To: current.Overall})
	}

	names := make([]string, 0, len(current.Components))
	for name := range current.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	var recovered []healing.Payload
	for _, name := range names {
		comp := current.Components[name]
		var prevStatus healing.ComponentStatus
		if previous != nil {
			prevStatus = previous.Components[name].Status
		}

		switch {
		case comp.Status == healing.ComponentDown && prevStatus != healing.ComponentDown:
			m.downSince[name] = now
			events = append(events, healing.HealthIssueDetected{Issue: m.issueFor(name, comp, prevStatus, now)})

		case prevStatus == healing.ComponentDown && comp.Status != healing.ComponentDown:
			since, ok := m.downSince[name]
			delete(m.downSince, name)
			if comp.Status == healing.ComponentOperational && ok {
				recovered = append(recovered, healing.ComponentRecovered{Component: name, Downtime: now.Sub(since)})
			}
		}
	}
	events = append(events, recovered...)

	t := m.cfg.Thresholds
	mt := current.Metrics
	if mt.MemoryUsage > t.AlertMemory {
		events = append(events, healing.HighMemoryUsage{Usage: mt.MemoryUsage, Threshold: t.AlertMemory})
	}
	if mt.CPUUsage > t.AlertCPU {
		events = append(events, healing.HighCPUUsage{Usage: mt.CPUUsage, Threshold: t.AlertCPU})
	}
	if mt.ErrorRate > t.AlertErrorRate {
		events = append(events, healing.HighErrorRate{Rate: mt.ErrorRate, Threshold: t.AlertErrorRate})
	}
	return events
}

func (m *Monitor) issueFor(name string, comp healing.ComponentHealth, prevStatus healing.ComponentStatus, now time.Time) healing.HealthIssue {
	description := fmt.Sprintf("Component %s is down", name)
	if len(comp.Issues) > 0 {
		description = fmt.Sprintf("%s: %s", description, strings.Join(comp.Issues, "; "))
	}
	return healing.HealthIssue{
		ID:          uuid.New().String(),
		Type:        m.cfg.issueType(name),
		Severity:    m.cfg.severity(name),
		Component:   name,
		Description: description,
		DetectedAt:  now,
		Metadata: healing.IssueMetadata{
			Source:         "monitor",
			PreviousStatus: prevStatus,
			ProbeErrors:    append([]string(nil), comp.Issues...),
		},
	}
}

// GetSystemHealth returns the last snapshot, or false before the first tick.
func (m *Monitor) GetSystemHealth() (healing.SystemHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return healing.SystemHealth{}, false
	}
	return m.last.Clone(), true
}

// GetComponentHealth returns the last observed health of one component.
func (m *Monitor) GetComponentHealth(name string) (healing.ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return healing.ComponentHealth{}, false
	}
	c, ok := m.last.Components[name]
	if ok {
		c.Issues = append([]string(nil), c.Issues...)
	}
	return c, ok
}

// IsComponentHealthy reports whether the component was operational at the last tick.
func (m *Monitor) IsComponentHealthy(name string) bool {
	c, ok := m.GetComponentHealth(name)
	return ok && c.Status == healing.ComponentOperational
}

// GetUnhealthyComponents returns the components not operational at the last tick, sorted.
func (m *Monitor) GetUnhealthyComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	var out []string
	for name, c := range m.last.Components {
		if c.Status != healing.ComponentOperational {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Verify re-runs the probe of the issue's component. It implements
// healing.Verifier. Components without a probe verify as healthy.
func (m *Monitor) Verify(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	check, ok := m.checks.Get(issue.Component)
	if !ok {
		return true, nil
	}
	result := m.runProbe(ctx, issue.Component, check)
	if result.err != nil {
		return false, result.err
	}
	return result.ok, nil
}
