package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/skein/pkg/transport"
)

// TransportError represents an SSH transport failure.
type TransportError struct {
	// Op is the operation that failed (connect, execute, sftp, ...).
	Op string

	// Err is the underlying error.
	Err error

	// IsAuthError indicates the server rejected the credentials.
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// client is one authenticated SSH connection plus a lazily opened SFTP session.
type client struct {
	config *Config
	logger zerolog.Logger
	conn   *ssh.Client

	sftpMu sync.Mutex
	sftp   *sftp.Client
}

// dial connects to cfg.Address() and authenticates, honoring ctx.
func dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	clientConfig, release, err := cfg.ClientConfig()
	defer release()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	logger.Debug().Str("address", address).Str("user", cfg.User).Msg("establishing SSH connection")

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	// The handshake reads from netConn, so it is bounded by a deadline on the
	// socket and by closing it when ctx ends.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if !stop() || ctx.Err() != nil {
		if err == nil {
			_ = sshConn.Close()
		}
		_ = netConn.Close()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("handshake with %s: %w", address, context.Cause(ctx))}
	}
	if err != nil {
		_ = netConn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
		}
	}
	_ = netConn.SetDeadline(time.Time{})

	logger.Debug().Str("address", address).Msg("SSH connection established")
	return &client{config: cfg, logger: logger, conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// run executes cmd and returns its output and exit code. A command that ran
// and exited non-zero is not an error.
func (c *client) run(ctx context.Context, cmd transport.ShellCommand) (stdout, stderr string, exitCode int, err error) {
	start := time.Now()

	session, err := c.conn.NewSession()
	if err != nil {
		return "", "", -1, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd.Line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return stdoutBuf.String(), stderrBuf.String(), -1, &TransportError{Op: "execute", Err: ctx.Err()}
	case runErr = <-done:
	}

	stdout = stdoutBuf.String()
	stderr = strings.ReplaceAll(stderrBuf.String(), transport.SudoPrompt, "")

	c.logger.Debug().
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("command completed")

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		return stdout, stderr, 0, nil
	case errors.As(runErr, &exitErr):
		return stdout, stderr, exitErr.ExitStatus(), nil
	default:
		return stdout, stderr, -1, &TransportError{Op: "execute", Err: runErr}
	}
}

// sftpClient returns the connection's SFTP session, opening it on first use.
func (c *client) sftpClient() (*sftp.Client, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()

	if c.sftp != nil {
		return c.sftp, nil
	}
	s, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err)}
	}
	c.sftp = s
	return s, nil
}

func (c *client) close() error {
	c.sftpMu.Lock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	c.sftpMu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, io.EOF) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}
