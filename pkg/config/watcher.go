package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the complete strategy set after every change.
type ReloadFunc func(strategies []StrategyConfig) error

// Watcher reloads declarative strategies when files in the watched
// directories change. Bursts of events are debounced into one reload.
type Watcher struct {
	loader   *Loader
	dirs     []string
	debounce time.Duration
	reload   ReloadFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	reloads int
}

// NewWatcher creates a watcher. A zero debounce means 500ms.
func NewWatcher(loader *Loader, dirs []string, debounce time.Duration, reload ReloadFunc, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		loader:   loader,
		dirs:     dirs,
		debounce: debounce,
		reload:   reload,
		logger:   logger.With().Str("component", "strategy-watcher").Logger(),
	}
}

// Load reads every watched directory and passes the result to the reload func.
func (w *Watcher) Load() error {
	var all []StrategyConfig
	for _, dir := range w.dirs {
		strategies, err := w.loader.LoadStrategyDir(dir)
		if err != nil {
			return err
		}
		all = append(all, strategies...)
	}
	if errs := strategyErrors(all); len(errs) > 0 {
		return &LoadError{Source: "strategy dirs", Errors: errs}
	}
	if err := w.reload(all); err != nil {
		return fmt.Errorf("failed to apply strategies: %w", err)
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.Info().Int("strategies", len(all)).Int("dirs", len(w.dirs)).Msg("Strategies loaded")
	return nil
}

// Reloads returns the number of successful loads.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run performs an initial load and then watches until ctx is done.
// A failed reload is logged and the previous strategies stay active.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range w.dirs {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("failed to stat strategy dir %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	if err := w.Load(); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Strategy file changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if err := w.Load(); err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload strategies, keeping previous set")
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
