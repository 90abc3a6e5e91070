package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// DefaultTimeout bounds commands that carry no timeout of their own.
const DefaultTimeout = 5 * time.Minute

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	// Dir is the default working directory.
	Dir string

	// Env is appended to the process environment of every command.
	Env []string

	// Timeout is the default timeout (DefaultTimeout when zero).
	Timeout time.Duration

	// Shell is the interpreter for scripts (default "sh").
	Shell string

	logger zerolog.Logger
}

// NewLocalRunner creates a runner executing in dir.
func NewLocalRunner(dir string, logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		Dir:    dir,
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, &Error{Op: "run", Err: err, ExitCode: -1}
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *exec.Cmd
	if cmd.Script != "" {
		shell := r.Shell
		if shell == "" {
			shell = "sh"
		}
		c = exec.CommandContext(ctx, shell, "-c", cmd.Script)
	} else {
		c = exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	}
	c.WaitDelay = time.Second

	c.Dir = r.Dir
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(r.Env) > 0 || len(cmd.Env) > 0 {
		c.Env = append(append(os.Environ(), r.Env...), cmd.Env...)
	}

	stdout := bytebufferpool.Get()
	stderr := bytebufferpool.Get()
	defer bytebufferpool.Put(stdout)
	defer bytebufferpool.Put(stderr)
	c.Stdout = stdout
	c.Stderr = stderr

	line := cmd.String()
	r.logger.Debug().Str("command", line).Str("dir", c.Dir).Msg("executing command")

	start := time.Now()
	runErr := c.Run()
	result := &Result{
		ExitCode:  0,
		Stdout:    strings.TrimSpace(stdout.String()),
		Stderr:    strings.TrimSpace(stderr.String()),
		StartedAt: start,
		Duration:  time.Since(start),
	}

	r.logger.Debug().
		Str("command", line).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, &Error{Op: "run", Command: line, ExitCode: -1, Err: ctxErr, IsTemporary: true}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &Error{
			Op:       "run",
			Command:  line,
			ExitCode: result.ExitCode,
			Err:      fmt.Errorf("exited with code %d: %s", result.ExitCode, result.Stderr),
		}
	}

	result.ExitCode = -1
	return result, &Error{Op: "run", Command: line, ExitCode: -1, Err: runErr}
}
