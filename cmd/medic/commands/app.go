package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/config"
	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/monitor"
	"github.com/openfroyo/medic/pkg/notify"
	"github.com/openfroyo/medic/pkg/policy"
	"github.com/openfroyo/medic/pkg/runner"
	"github.com/openfroyo/medic/pkg/sandbox"
	"github.com/openfroyo/medic/pkg/stores"
	"github.com/openfroyo/medic/pkg/strategies"
	"github.com/openfroyo/medic/pkg/telemetry"
)

// app is a fully wired medic instance.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	runner   runner.Runner
	deps     *strategies.Deps
	bus      *healing.Bus
	monitor  *monitor.Monitor
	registry *healing.StrategyRegistry
	decl     *strategies.Declarative
	watcher  *config.Watcher
	sandbox  *sandbox.Sandbox
	guard    *policy.Guard
	store    *stores.SQLiteStore
	orch     *healing.Orchestrator

	closers []func(context.Context) error
}

// loadConfig reads the --config file, or returns the defaults when none is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.NewLoader().Load(configPath)
}

// newApp wires every component from the configuration. Nothing is started;
// call start for the monitor loop and the orchestrator.
func newApp(ctx context.Context) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a = &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	a.onClose(tel.Shutdown)
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if err := a.wireRunner(); err != nil {
		return nil, err
	}

	a.bus = healing.NewBus(a.logger)
	a.bus.SetDropRecorder(tel.Metrics)
	a.onClose(func(context.Context) error {
		a.bus.Close()
		return nil
	})

	if err := a.wireMonitor(); err != nil {
		return nil, err
	}
	if err := a.wireStrategies(ctx); err != nil {
		return nil, err
	}
	if err := a.wirePolicy(ctx); err != nil {
		return nil, err
	}
	if err := a.wireStore(ctx); err != nil {
		return nil, err
	}

	escalation, pager, err := a.notifiers()
	if err != nil {
		return nil, err
	}

	opts := healing.Options{
		Config:      cfg.HealingConfig(),
		Registry:    a.registry,
		Bus:         a.bus,
		Logger:      a.logger,
		Escalation:  escalation,
		Pager:       pager,
		Containment: strategies.NewContainment(a.deps),
		Verifier:    a.monitor,
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
	}
	if a.guard != nil {
		opts.Guard = a.guard
	}
	if a.store != nil {
		opts.Recorder = a.store
	}
	a.orch = healing.NewOrchestrator(opts)

	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// start launches the orchestrator and, when monitoring, the probe loop.
func (a *app) start(ctx context.Context, monitoring bool) {
	a.orch.Start(ctx)
	if monitoring {
		a.monitor.Start(ctx, a.cfg.Monitor.Interval.Std())
	}
}

// close stops everything in reverse wiring order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) wireRunner() error {
	cfg := a.cfg
	if sshCfg, ok := cfg.SSHConfig(); ok {
		r, err := runner.NewSSHRunner(sshCfg, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create ssh runner: %w", err)
		}
		a.onClose(func(context.Context) error { return r.Close() })
		a.runner = r
	} else {
		r := runner.NewLocalRunner(cfg.Runner.Dir, a.logger)
		r.Shell = cfg.Runner.Shell
		r.Timeout = cfg.Runner.Timeout.Std()
		a.runner = r
	}

	a.deps = &strategies.Deps{
		Runner:   a.runner,
		Services: runner.NewServiceManager(a.runner, cfg.Runner.Sudo),
		Commands: cfg.Commands,
		Units:    cfg.Services,
		Dir:      cfg.Runner.Dir,
		Logger:   a.logger,
	}

	// The database strategy maintains the first SQL probe target.
	for _, p := range cfg.Probes {
		if p.Kind != monitor.ProbeSQL || p.Target == "" {
			continue
		}
		driver := p.Driver
		if driver == "" {
			driver = "sqlite"
		}
		db, err := sql.Open(driver, p.Target)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", p.Name, err)
		}
		a.onClose(func(context.Context) error { return db.Close() })
		a.deps.DB = db
		a.deps.MaxIdleConns = 2
		break
	}
	return nil
}

func (a *app) wireMonitor() error {
	var source monitor.MetricsSource
	if a.cfg.Monitor.HostMetrics {
		source = monitor.HostMetrics{}
	}

	m, err := monitor.New(a.cfg.MonitorConfig(), a.bus, source, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	a.onClose(func(context.Context) error {
		m.Stop()
		return m.Close()
	})
	m.SetMetrics(a.tel.Metrics)

	if err := m.RegisterProbes(a.cfg.ProbeSpecs(), a.runner); err != nil {
		return fmt.Errorf("failed to register probes: %w", err)
	}
	a.monitor = m
	return nil
}

func (a *app) wireStrategies(ctx context.Context) error {
	sbCfg := sandbox.DefaultConfig()
	sbCfg.WorkDir = a.cfg.Runner.Dir
	sb, err := sandbox.New(ctx, sbCfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	a.onClose(sb.Close)
	a.sandbox = sb

	a.registry = healing.NewRegistry()
	builtin := strategies.Builtin(a.deps)
	if err := a.registry.RegisterProvider(builtin); err != nil {
		return fmt.Errorf("failed to register built-in strategies: %w", err)
	}

	a.decl = strategies.NewDeclarative(a.registry, builtin, a.deps, sb, config.NewStarlarkEvaluator(a.cfg.Runner.Timeout.Std()))
	if configPath != "" {
		a.decl.BaseDir = filepath.Dir(configPath)
	}

	static := a.cfg.Strategies
	if err := a.decl.Apply(static); err != nil {
		return fmt.Errorf("failed to apply strategies: %w", err)
	}

	if len(a.cfg.Watch.Dirs) > 0 {
		reload := func(watched []config.StrategyConfig) error {
			all := append(append([]config.StrategyConfig(nil), static...), watched...)
			return a.decl.Apply(all)
		}
		a.watcher = config.NewWatcher(config.NewLoader(), a.cfg.Watch.Dirs, a.cfg.Watch.Debounce.Std(), reload, a.logger)
		if err := a.watcher.Load(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) wirePolicy(ctx context.Context) error {
	pc := a.cfg.Policy
	if !pc.Enabled {
		return nil
	}

	guard, err := policy.NewGuard(a.cfg.Engine.Environment, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy guard: %w", err)
	}
	if len(pc.Dirs) > 0 {
		if err := guard.LoadPolicies(ctx, pc.Dirs); err != nil {
			return err
		}
	}
	if err := guard.SetFreeze(ctx, pc.Freeze); err != nil {
		return fmt.Errorf("failed to set change freeze: %w", err)
	}
	if len(pc.ProtectedComponents) > 0 {
		if err := guard.SetProtectedComponents(ctx, pc.ProtectedComponents); err != nil {
			return fmt.Errorf("failed to set protected components: %w", err)
		}
	}
	a.guard = guard
	return nil
}

func (a *app) wireStore(ctx context.Context) error {
	if a.cfg.Storage.Path == "" {
		return nil
	}
	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return store.Close() })
	a.store = store
	return nil
}

// openStore opens the configured SQLite store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if cfg.Storage.Path == "" {
		return nil, errors.New("storage.path is not configured")
	}
	store, err := stores.Open(ctx, stores.Config{Path: cfg.Storage.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// notifiers builds the escalation sink and the pager. Both always log;
// webhooks are added when configured.
func (a *app) notifiers() (healing.EscalationSink, healing.Pager, error) {
	ec := a.cfg.Escalation
	logSink := notify.NewLogSink(a.logger)

	webhook := func(url string) (*notify.Webhook, error) {
		return notify.NewWebhook(notify.WebhookConfig{
			URL:        url,
			Headers:    ec.Headers,
			Rate:       ec.Rate,
			Burst:      ec.Burst,
			MaxRetries: ec.MaxRetries,
			Timeout:    ec.Timeout.Std(),
		}, a.logger)
	}

	escalation := notify.Multi{logSink}
	if ec.WebhookURL != "" {
		w, err := webhook(ec.WebhookURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create escalation webhook: %w", err)
		}
		escalation = append(escalation, w)
	}

	pager := notify.Multi{logSink}
	if ec.PagerURL != "" {
		w, err := webhook(ec.PagerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pager webhook: %w", err)
		}
		pager = append(pager, w)
	}
	return escalation, pager, nil
}
