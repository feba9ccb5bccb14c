package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/notready-remediator/notready-remediator/pkg/mapping"
)

const (
	defaultSSHUser        = "root"
	defaultSSHPort        = 22
	defaultConnectTimeout = 30 * time.Second
)

// SSHOptions configures SSHExecutor.
type SSHOptions struct {
	User   string
	Port   int
	Signer ssh.Signer
	// HostKeyCallback verifies the hypervisor host key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	// CommandTimeout bounds a single command run. Zero leaves it to ctx.
	CommandTimeout time.Duration
}

// SSHExecutor opens a fresh SSH session per Execute call and closes it before returning.
// The signer is read-only, so one executor is safe for concurrent use.
type SSHExecutor struct {
	opts   SSHOptions
	config *ssh.ClientConfig
	dialer *net.Dialer
}

// NewSSHExecutor validates opts and builds an executor.
func NewSSHExecutor(opts SSHOptions) (*SSHExecutor, error) {
	if opts.Signer == nil {
		return nil, errors.New("ssh executor requires a signer")
	}
	if strings.TrimSpace(opts.User) == "" {
		opts.User = defaultSSHUser
	}
	if opts.Port <= 0 {
		opts.Port = defaultSSHPort
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	hostKeys := opts.HostKeyCallback
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	return &SSHExecutor{
		opts: opts,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(opts.Signer)},
			HostKeyCallback: hostKeys,
			Timeout:         opts.ConnectTimeout,
		},
		dialer: &net.Dialer{Timeout: opts.ConnectTimeout},
	}, nil
}

// Execute implements Executor.
func (e *SSHExecutor) Execute(ctx context.Context, target mapping.Target, command string) (CommandResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	host := target.HostAddress

	client, err := e.connect(ctx, e.address(host))
	if err != nil {
		return CommandResult{}, &ConnectionError{Host: host, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, &ConnectionError{Host: host, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	runCtx := ctx
	if e.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.CommandTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return CommandResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, &CommandError{Host: host, Command: command, Err: runCtx.Err()}
	}

	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitStatus = exitErr.ExitStatus()
		return result, nil
	}
	return result, &CommandError{Host: host, Command: command, Err: runErr}
}

func (e *SSHExecutor) connect(ctx context.Context, addr string) (*ssh.Client, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.opts.ConnectTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// address appends the configured port unless host already carries one.
func (e *SSHExecutor) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.opts.Port))
}

// LoadSigner reads an unencrypted PEM private key from path.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh private key %s is passphrase protected", path)
		}
		return nil, fmt.Errorf("parse ssh private key %s: %w", path, err)
	}
	return signer, nil
}

// HostKeyCallback verifies host keys against knownHostsFile. An empty path
// accepts any host key.
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsFile) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}

var _ Executor = (*SSHExecutor)(nil)
