package hostexec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout is the default timeout for establishing SSH connections
const DefaultConnectTimeout = 30 * time.Second

// Credentials holds SSH connection details for the benchmark host
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// SSHRunner runs commands on a remote benchmark host.
// The SSH connection is opened on first use and reused until Close.
type SSHRunner struct {
	creds          Credentials
	connectTimeout time.Duration
	commandTimeout time.Duration
	maxOutput      int64

	mu     sync.Mutex
	client *ssh.Client
}

// SSHOption configures an SSHRunner
type SSHOption func(*SSHRunner)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) SSHOption {
	return func(r *SSHRunner) {
		r.connectTimeout = d
	}
}

// WithCommandTimeout sets the timeout used when the context carries no deadline
func WithCommandTimeout(d time.Duration) SSHOption {
	return func(r *SSHRunner) {
		r.commandTimeout = d
	}
}

// WithSSHMaxOutput sets the captured output bound in bytes
func WithSSHMaxOutput(n int64) SSHOption {
	return func(r *SSHRunner) {
		r.maxOutput = n
	}
}

// NewSSHRunner creates a runner for the host described by creds
func NewSSHRunner(creds Credentials, opts ...SSHOption) *SSHRunner {
	r := &SSHRunner{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		maxOutput:      DefaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Host returns the remote host name
func (r *SSHRunner) Host() string {
	return r.creds.Host
}

// Close closes the SSH connection
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

// connect returns the cached client or dials a new one
func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	if err := r.creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(r.creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: r.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Lab machines are reinstalled often
		Timeout:         r.connectTimeout,
	}

	addr := net.JoinHostPort(r.creds.Host, fmt.Sprintf("%d", r.creds.Port))

	dialer := net.Dialer{Timeout: r.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	r.client = ssh.NewClient(sshConn, chans, reqs)
	return r.client, nil
}

// Run executes name with args through the remote login shell
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead cached connection is dropped so the next call redials
		r.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	cmdCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.commandTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
	}
	cmdCtx, abort := context.WithCancel(cmdCtx)
	defer abort()

	out := newBoundedOutput(r.maxOutput, abort)
	session.Stdout = out.Stdout()
	session.Stderr = out.Stderr()

	command := ShellQuote(append([]string{name}, args...)...)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-cmdCtx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		runErr = cmdCtx.Err()
	}

	var exitErr *ssh.ExitError
	exitCode := -1
	if runErr == nil {
		exitCode = 0
	} else if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitStatus()
	}
	res := out.result(exitCode)

	switch {
	case out.Exceeded():
		return res, fmt.Errorf("%s: %w", name, ErrOutputLimit)
	case runErr == nil:
		return res, nil
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	case ctx.Err() != nil:
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	case exitCode == 127:
		return res, fmt.Errorf("%s: %w", name, ErrNotFound)
	case exitCode > 0:
		return res, fmt.Errorf("%s: %w (exit status %d)", name, ErrNonZeroExit, exitCode)
	}
	return res, fmt.Errorf("failed to run %s: %w", name, runErr)
}

// WalkFiles lists regular files below root over SFTP
func (r *SSHRunner) WalkFiles(ctx context.Context, root string) ([]FileInfo, error) {
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	client, err := r.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if _, err := sftpClient.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory %s: %w", root, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat remote directory: %w", err)
	}

	var files []FileInfo
	walker := sftpClient.Walk(root)
	for walker.Step() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if walker.Err() != nil {
			continue
		}
		info := walker.Stat()
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		files = append(files, FileInfo{Path: walker.Path(), Size: info.Size()})
	}

	return files, nil
}
