package registry

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
	"golang.org/x/crypto/ssh/knownhosts"
)

// Executor runs a shell command on the VPN host and returns its stdout.
// A non-zero exit status is reported as a *CommunicationError carrying
// stderr.
type Executor interface {
	Run(ctx context.Context, command string, stdin io.Reader) (string, error)
}

// SSHOptions configures an SSHExecutor.
type SSHOptions struct {
	Host           string
	Port           int
	User           string
	Password       string
	Timeout        time.Duration
	KnownHostsFile string // Empty accepts any host key
}

// SSHExecutor runs commands over a fresh password-authenticated SSH
// connection per call.
type SSHExecutor struct {
	addr    string
	timeout time.Duration
	config  *ssh.ClientConfig
}

// NewSSHExecutor validates opts and prepares the client configuration.
// No connection is made until Run.
func NewSSHExecutor(opts SSHOptions) (*SSHExecutor, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("ssh host and user are required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &SSHExecutor{
		addr:    net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		timeout: opts.Timeout,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.Password(opts.Password)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.Timeout,
		},
	}, nil
}

func (e *SSHExecutor) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.timeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake; the session itself is bounded by ctx.
	_ = conn.SetDeadline(time.Now().Add(e.timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// Run implements Executor.
func (e *SSHExecutor) Run(ctx context.Context, command string, stdin io.Reader) (string, error) {
	client, err := e.dial(ctx)
	if err != nil {
		return "", &CommunicationError{Op: "ssh " + e.addr, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &CommunicationError{Op: "ssh session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return "", &CommunicationError{Op: command, Err: ctx.Err()}
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommunicationError{
				Op:      command,
				Status:  exitErr.ExitStatus(),
				Message: strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.String(), &CommunicationError{Op: command, Err: err}
	}
	return stdout.String(), nil
}
