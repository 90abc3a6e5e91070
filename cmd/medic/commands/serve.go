package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/medic/pkg/api"
	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/policy"
	"github.com/openfroyo/medic/pkg/stores"
)

func newServeCommand() *cobra.Command {
	var (
		listen        string
		noMonitor     bool
		shutdownAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health monitor, healing orchestrator and HTTP API",
		Long: `Run medic as a long-lived process.

The monitor probes every component on the configured interval and reports
status changes to the orchestrator, which heals issues one at a time in
priority order. Strategy and policy directories are watched and reloaded
on change. The HTTP API exposes metrics, health, issues, reports and
operator rollback.`,
		Example: `  # Serve with the defaults
  medic serve

  # Serve a configuration on a custom address
  medic serve -c medic.yaml --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownAfter)
				defer cancel()
				if err := a.close(closeCtx); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if listen == "" {
				listen = a.cfg.HTTP.Listen
			}

			a.start(ctx, !noMonitor)
			a.watch(ctx)
			if a.store != nil {
				go recordHealth(ctx, a.bus, a.monitor, a.store, a.logger)
				if retention := a.cfg.Storage.Retention.Std(); retention > 0 {
					go pruneStore(ctx, a.store, retention, a.logger)
				}
			}

			srv := api.NewServer(api.Options{
				Orchestrator: a.orch,
				Health:       a.monitor,
				Metrics:      a.tel.Metrics,
				Logger:       a.logger,
			})
			if !noMonitor {
				srv.AddReadinessCheck("monitor", func() error {
					if _, ok := a.monitor.GetSystemHealth(); !ok {
						return errors.New("no health check has completed yet")
					}
					return nil
				})
			}
			if a.store != nil {
				srv.AddReadinessCheck("store", func() error {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					return a.store.HealthCheck(ctx)
				})
			}

			a.logger.Info().
				Str("version", version).
				Str("environment", a.cfg.Engine.Environment).
				Int("strategies", a.registry.Len()).
				Bool("policy", a.guard != nil).
				Bool("storage", a.store != nil).
				Msg("medic started")

			return srv.Run(ctx, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from config)")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "accept issues over HTTP only, without probing")
	cmd.Flags().DurationVar(&shutdownAfter, "shutdown-timeout", 30*time.Second, "maximum wait for the in-flight issue on shutdown")

	return cmd
}

// watch reloads strategy and policy directories on change.
func (a *app) watch(ctx context.Context) {
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Strategy watcher stopped")
			}
		}()
	}

	if a.guard != nil && len(a.cfg.Policy.Dirs) > 0 {
		loader := policy.NewLoader(a.logger)
		err := loader.Watch(ctx, a.cfg.Policy.Dirs, func(policies []policy.Policy) error {
			return a.guard.ReplacePolicies(ctx, policies)
		})
		if err != nil {
			a.logger.Error().Err(err).Msg("Policy watcher not started")
			return
		}
		a.onClose(func(context.Context) error { return loader.StopWatching() })
	}
}

// recordHealth stores a snapshot whenever the overall status changes.
func recordHealth(ctx context.Context, bus *healing.Bus, health api.HealthSource, store *stores.SQLiteStore, logger zerolog.Logger) {
	sub := bus.Subscribe(16, healing.EventHealthStatusChanged)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			snapshot, ok := health.GetSystemHealth()
			if !ok {
				continue
			}
			if err := store.RecordHealth(ctx, snapshot); err != nil {
				logger.Warn().Err(err).Msg("Failed to record health snapshot")
			}
		}
	}
}

// pruneStore removes records older than retention once an hour.
func pruneStore(ctx context.Context, store *stores.SQLiteStore, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to prune store")
				continue
			}
			if n := result.Total(); n > 0 {
				logger.Info().Int64("rows", n).Msg("Pruned store")
			}
		}
	}
}
