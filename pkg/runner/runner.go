// Package runner executes external commands for remediation actions and
// probes, locally or on a remote host over SSH.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Command describes one process invocation. Exactly one of Name or Script
// must be set; Script is run through the shell.
type Command struct {
	// Name is the executable to run.
	Name string

	// Args are passed to Name.
	Args []string

	// Script is a shell snippet, run as `sh -c Script`.
	Script string

	// Dir is the working directory. Empty means the runner default.
	Dir string

	// Env holds extra KEY=VALUE pairs.
	Env []string

	// Timeout bounds the run. Zero means the runner default.
	Timeout time.Duration
}

// Shell returns a command running script through the shell.
func Shell(script string) Command {
	return Command{Script: script}
}

// Exec returns a command running name with args.
func Exec(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// Validate checks that the command is runnable.
func (c Command) Validate() error {
	switch {
	case c.Name == "" && c.Script == "":
		return fmt.Errorf("command name or script is required")
	case c.Name != "" && c.Script != "":
		return fmt.Errorf("command name and script are mutually exclusive")
	case c.Timeout < 0:
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// String renders the command line for logs.
func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	Duration  time.Duration
}

// Success returns true if the command exited with code 0.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	// Run executes cmd and waits for it. A non-zero exit code is returned
	// as an *Error together with the populated Result.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// Error represents a failed command or transport operation.
type Error struct {
	// Op is the operation that failed (e.g., "connect", "run").
	Op string

	// Command is the command line, if any.
	Command string

	// ExitCode is the exit status, or -1 when the process did not exit.
	ExitCode int

	// Err is the underlying error.
	Err error

	// IsTemporary indicates if the error is temporary and can be retried.
	IsTemporary bool
}

func (e *Error) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Command, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed on retry.
func (e *Error) Temporary() bool {
	return e.IsTemporary
}
