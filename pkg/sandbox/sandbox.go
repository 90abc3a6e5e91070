package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/valyala/bytebufferpool"
)

// ErrTimeout is returned when a module exceeds its time budget.
var ErrTimeout = errors.New("sandbox: module timed out")

// Config contains configuration for the WASM sandbox.
type Config struct {
	// Timeout is the default run timeout.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// WorkDir, when set, is mounted read-write at /work inside the guest.
	WorkDir string
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Result is the outcome of one module run.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the module exited with code zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Sandbox runs WASI command modules with a bounded runtime. Compiled
// modules are cached by content hash.
type Sandbox struct {
	cfg      Config
	runtime  wazero.Runtime
	compiled cmap.ConcurrentMap[string, wazero.CompiledModule]
	logger   zerolog.Logger
}

// New creates a sandbox runtime with WASI and the host "env" module.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Sandbox, error) {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = defaults.MemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	s := &Sandbox{
		cfg:      cfg,
		runtime:  runtime,
		compiled: cmap.New[wazero.CompiledModule](),
		logger:   logger.With().Str("component", "sandbox").Logger(),
	}

	if err := s.registerHostModule(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	return s, nil
}

// Compile compiles a module and caches it. The returned key identifies
// the module for Run.
func (s *Sandbox) Compile(ctx context.Context, wasm []byte) (string, error) {
	sum := sha256.Sum256(wasm)
	key := hex.EncodeToString(sum[:])

	if _, ok := s.compiled.Get(key); ok {
		return key, nil
	}

	module, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return "", fmt.Errorf("failed to compile WASM module: %w", err)
	}

	if !s.compiled.SetIfAbsent(key, module) {
		_ = module.Close(ctx)
	}
	s.logger.Debug().Str("module", key[:12]).Msg("Module compiled")
	return key, nil
}

// CompileFile reads and compiles a module from disk.
func (s *Sandbox) CompileFile(ctx context.Context, path string) (string, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read module %s: %w", path, err)
	}
	return s.Compile(ctx, wasm)
}

// RunOptions configures one module instance.
type RunOptions struct {
	// Args are passed after the program name.
	Args []string

	// Env is exposed to the guest as environment variables.
	Env map[string]string

	// Stdin is fed to the guest.
	Stdin []byte

	// Timeout overrides the sandbox default when positive.
	Timeout time.Duration
}

// Run instantiates a compiled module and runs its _start function. A
// non-zero exit is reported in the result, not as an error. Traps and
// timeouts are errors.
func (s *Sandbox) Run(ctx context.Context, key string, opts RunOptions) (*Result, error) {
	compiled, ok := s.compiled.Get(key)
	if !ok {
		return nil, fmt.Errorf("module %s is not compiled", key)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := bytebufferpool.Get()
	defer bytebufferpool.Put(stdout)
	stderr := bytebufferpool.Get()
	defer bytebufferpool.Put(stderr)

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{"remediation"}, opts.Args...)...).
		WithStdin(bytes.NewReader(opts.Stdin)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime()

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		moduleConfig = moduleConfig.WithEnv(k, opts.Env[k])
	}

	if s.cfg.WorkDir != "" {
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithDirMount(s.cfg.WorkDir, "/work"))
	}

	start := time.Now()
	mod, err := s.runtime.InstantiateModule(runCtx, compiled, moduleConfig)
	result := &Result{Duration: time.Since(start)}
	if mod != nil {
		_ = mod.Close(ctx)
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("module trapped: %w", err)
		}
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case sys.ExitCodeContextCanceled:
			return result, ctx.Err()
		}
		result.ExitCode = int(exitErr.ExitCode())
	}

	s.logger.Debug().
		Str("module", key[:12]).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Module finished")

	return result, nil
}

// Close releases the runtime and every compiled module.
func (s *Sandbox) Close(ctx context.Context) error {
	s.compiled.Clear()
	return s.runtime.Close(ctx)
}
