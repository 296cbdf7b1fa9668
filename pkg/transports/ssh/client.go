// Package ssh is the transport behind remote deploy steps: it connects to a
// target host, runs commands and uploads artifacts over SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Client is a single SSH connection to one host.
type Client struct {
	config *Config
	logger *telemetry.Logger

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Client{config: config, logger: telemetry.NewNopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("host", config.Address())
	return c, nil
}

// Connect dials the host. An existing live connection is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		c.logger.Warn("existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.client = nil
	}

	clientConfig, release, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	defer release()

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake itself does not watch ctx; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if !stop() {
		if err == nil {
			_ = sshConn.Close()
		}
		return &TransportError{Op: "connect", Err: ctx.Err()}
	}
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect", Err: err, IsAuthError: isAuthError(err)}
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()
	c.logger.Debug("ssh connection established")
	return nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts")
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	c.logger.WithField("duration", time.Since(c.connectedAt).String()).Debug("ssh connection closed")
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// ExecuteCommand runs cmd on the host and returns its trimmed output. A
// non-zero exit status is returned as a *TransportError with ExitCode set.
// When ctx ends first the remote process is killed.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	client, err := c.conn()
	if err != nil {
		return "", "", err
	}
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		runErr = ctx.Err()
	}

	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())
	c.logger.WithField("duration", time.Since(start).String()).
		WithField("stdout_len", len(stdout)).
		WithField("stderr_len", len(stderr)).
		Debug("remote command completed")

	if runErr == nil {
		return stdout, stderr, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:       "exec",
			Err:      fmt.Errorf("command exited with code %d", exitErr.ExitStatus()),
			ExitCode: exitErr.ExitStatus(),
		}
	}
	return stdout, stderr, &TransportError{Op: "exec", Err: runErr, IsTemporary: ctx.Err() == nil}
}

// TransportError is returned by every Client operation.
type TransportError struct {
	// Op is the failed operation: connect, exec, upload, ...
	Op  string
	Err error

	// ExitCode is the remote exit status for failed commands.
	ExitCode int

	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
