// Package config loads and validates medic configuration.
//
// Configuration is written in CUE, YAML or JSON. Every document is unified
// with the built-in #Medic schema (unknown keys and out-of-range values are
// rejected with file positions), decoded over Default and then checked with
// validator struct tags:
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("medic.cue")
//	if err != nil {
//	    var le *config.LoadError
//	    if errors.As(err, &le) {
//	        for _, ve := range le.Errors {
//	            fmt.Println(ve)
//	        }
//	    }
//	}
//
// Durations are Go duration strings ("30s", "5m").
//
// Declarative strategies can also live in separate files, one
// `strategies` list per file. A Watcher reloads them when a watched
// directory changes:
//
//	w := config.NewWatcher(loader, cfg.Watch.Dirs, cfg.Watch.Debounce.Std(), apply, logger)
//	go w.Run(ctx)
//
// StarlarkEvaluator runs script actions under a timeout; Go functions
// such as run(cmd) are exposed to scripts as Builtins.
package config
