package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// SSHConfig holds the remote target of an SSHRunner.
type SSHConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	User string `json:"user" yaml:"user"`

	AuthMethod           AuthMethod `json:"auth_method" yaml:"auth_method"`
	Password             string     `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath       string     `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string     `json:"private_key_passphrase,omitempty" yaml:"private_key_passphrase,omitempty"`

	// KnownHostsPath is only consulted when StrictHostKeyChecking is set.
	KnownHostsPath        string `json:"known_hosts_path" yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	CommandTimeout    time.Duration `json:"command_timeout" yaml:"command_timeout"`

	// ConnectRetries is the number of extra dial attempts.
	ConnectRetries uint64 `json:"connect_retries" yaml:"connect_retries"`
}

// DefaultSSHConfig returns an SSHConfig with sensible defaults.
func DefaultSSHConfig(host, user string) SSHConfig {
	return SSHConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        DefaultTimeout,
		ConnectRetries:        2,
	}
}

// Validate checks if the configuration is valid.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				candidate := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(candidate); err == nil {
					c.PrivateKeyPath = candidate
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	return nil
}

// Address returns the formatted SSH address (host:port).
func (c *SSHConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth,
			ssh.Password(c.Password),
			// Many servers only offer the "Password:" prompt.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// SSHRunner runs commands on a remote host. It connects lazily and
// reconnects when the connection is lost.
type SSHRunner struct {
	config SSHConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for the configured host.
func NewSSHRunner(config SSHConfig, logger zerolog.Logger) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &SSHRunner{
		config: config,
		logger: logger.With().Str("component", "ssh-runner").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection, retrying temporary failures.
func (r *SSHRunner) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.connectLocked(ctx)
	return err
}

func (r *SSHRunner) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if r.client != nil {
		return r.client, nil
	}

	clientConfig, err := r.config.clientConfig()
	if err != nil {
		return nil, &Error{Op: "connect", ExitCode: -1, Err: err}
	}

	address := r.config.Address()
	dial := func() (*ssh.Client, error) {
		type dialResult struct {
			client *ssh.Client
			err    error
		}
		done := make(chan dialResult, 1)
		go func() {
			c, err := ssh.Dial("tcp", address, clientConfig)
			done <- dialResult{c, err}
		}()

		select {
		case <-ctx.Done():
			go func() {
				if res := <-done; res.client != nil {
					_ = res.client.Close()
				}
			}()
			return nil, backoff.Permanent(ctx.Err())
		case res := <-done:
			return res.client, res.err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.config.ConnectRetries),
		ctx,
	)
	client, err := backoff.RetryNotifyWithData(dial, policy, func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("SSH dial failed")
	})
	if err != nil {
		return nil, &Error{Op: "connect", ExitCode: -1, Err: err, IsTemporary: true}
	}

	r.client = client
	r.logger.Info().Str("address", address).Msg("SSH connection established")
	return client, nil
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if err != nil {
		return &Error{Op: "disconnect", ExitCode: -1, Err: err}
	}
	return nil
}

func (r *SSHRunner) session(ctx context.Context) (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, err := r.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	// The connection is dead; reconnect once.
	r.logger.Warn().Err(err).Msg("existing connection is dead, reconnecting")
	_ = client.Close()
	r.client = nil
	if client, err = r.connectLocked(ctx); err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, &Error{Op: "session", ExitCode: -1, Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	return session, nil
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, &Error{Op: "run", Err: err, ExitCode: -1}
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stdout := bytebufferpool.Get()
	stderr := bytebufferpool.Get()
	defer bytebufferpool.Put(stdout)
	defer bytebufferpool.Put(stderr)
	session.Stdout = stdout
	session.Stderr = stderr

	line := remoteCommandLine(cmd)
	r.logger.Debug().Str("command", line).Msg("executing command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &Result{
		Stdout:    strings.TrimSpace(stdout.String()),
		Stderr:    strings.TrimSpace(stderr.String()),
		StartedAt: start,
		Duration:  time.Since(start),
	}

	r.logger.Debug().
		Str("command", line).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &Error{
			Op:       "run",
			Command:  line,
			ExitCode: result.ExitCode,
			Err:      fmt.Errorf("exited with code %d: %s", result.ExitCode, result.Stderr),
		}
	}

	result.ExitCode = -1
	return result, &Error{Op: "run", Command: line, ExitCode: -1, Err: runErr, IsTemporary: true}
}

// remoteCommandLine renders cmd as a single remote shell line.
func remoteCommandLine(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd " + shellQuote(cmd.Dir) + " && ")
	}
	if len(cmd.Env) > 0 {
		b.WriteString("env ")
		for _, kv := range cmd.Env {
			b.WriteString(shellQuote(kv) + " ")
		}
	}
	if cmd.Script != "" {
		if b.Len() == 0 {
			return cmd.Script
		}
		b.WriteString("sh -c " + shellQuote(cmd.Script))
		return b.String()
	}
	b.WriteString(shellQuote(cmd.Name))
	for _, arg := range cmd.Args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
