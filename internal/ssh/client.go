package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// AuthConfig contains the single authentication method for one dial attempt.
// The executor tries methods one at a time so that it knows which one worked.
type AuthConfig struct {
	Username string
	Password string
	Signer   ssh.Signer
	Port     int           // SSH port (default: 22)
	Timeout  time.Duration // connect + handshake timeout (default: 5s)
}

// Conn is an authenticated connection that can run commands.
type Conn interface {
	Run(ctx context.Context, command string, stdin io.Reader) (Result, error)
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, address string, auth AuthConfig) (Conn, error)
}

// ClientDialer dials real SSH connections with golang.org/x/crypto/ssh.
type ClientDialer struct{}

func (ClientDialer) Dial(ctx context.Context, address string, auth AuthConfig) (Conn, error) {
	return NewClient(ctx, address, auth)
}

// Client wraps an SSH client connection for remote command execution.
type Client struct {
	client *ssh.Client
	host   string
}

// NewClient creates a new SSH client connection to the specified host. Dial
// and timeout failures wrap ErrConnectionFailure; a rejected login wraps
// ErrAuthFailure.
func NewClient(ctx context.Context, host string, auth AuthConfig) (*Client, error) {
	var authMethods []ssh.AuthMethod
	if auth.Signer != nil {
		authMethods = append(authMethods, ssh.PublicKeys(auth.Signer))
	}
	if auth.Password != "" {
		authMethods = append(authMethods, ssh.Password(auth.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no authentication method provided (need password or key)", ErrAuthFailure)
	}

	timeout := auth.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // hosts are freshly flashed; keys change on reimage
		Timeout:         timeout,
	}

	port := 22
	if auth.Port > 0 {
		port = auth.Port
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		client: ssh.NewClient(sshConn, chans, reqs),
		host:   host,
	}, nil
}

// classifyHandshake separates rejected credentials from transport problems.
func classifyHandshake(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", ErrAuthFailure, addr, err)
	}
	return fmt.Errorf("%w: handshake with %s: %v", ErrConnectionFailure, addr, err)
}

// Run executes a command with optional stdin. A command that runs and exits
// non-zero is not an error; its status is in the Result.
func (c *Client) Run(ctx context.Context, command string, stdin io.Reader) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to create session: %v", ErrConnectionFailure, err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("%w: %v", ErrConnectionFailure, ctx.Err())
	case err := <-errChan:
		res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			return res, nil
		}
		// Connection dropped mid-command (e.g. network re-applied).
		return res, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Host returns the hostname of the SSH connection.
func (c *Client) Host() string {
	return c.host
}
