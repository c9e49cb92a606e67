package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout keeps each connection attempt short so that polling
// for guest readiness stays cheap.
const DefaultConnectTimeout = time.Second

// Result is the tri-part outcome of one guest command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ConnectError reports an unreachable guest transport. Callers poll on it
// while the guest boots.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("guest transport %s unreachable: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError reports a guest command that ran and exited non-zero. Both
// captured streams are carried verbatim.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("guest command %q exited %d\nstdout:\n%s\nstderr:\n%s",
		e.Command, e.ExitCode, e.Stdout, e.Stderr)
}

// ClientConfig binds a Client to one guest endpoint and identity.
type ClientConfig struct {
	Host    string
	Port    int
	User    string
	KeyPath string

	// ConnectTimeout bounds dialing only; command duration is unbounded.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Client executes commands and file transfers against one running guest over
// SSH. Host-key checking and password authentication are disabled: the
// orchestrator talks to short-lived disposable test guests it launched
// itself, not to production machines.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
}

// NewClient returns a Client for the given endpoint. The private key file is
// read on each connection attempt, so the Client may be constructed before
// the key exists.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{cfg: cfg, log: log}
}

// Addr returns the dialed host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	key, err := os.ReadFile(c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", c.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", c.cfg.KeyPath, err)
	}

	config := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // equivalent to StrictHostKeyChecking=no
		Timeout:         c.cfg.ConnectTimeout,
	}

	addr := c.Addr()
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return ssh.NewClient(sconn, chans, reqs), nil
}

// Exec runs command in the guest, capturing stdout, stderr and the remote
// exit code separately. A non-zero exit returns the Result together with a
// *CommandError carrying both streams.
func (c *Client) Exec(ctx context.Context, command string) (*Result, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &ConnectError{Addr: c.Addr(), Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	c.log.Debug("running guest command", "addr", c.Addr(), "cmd", command)
	runErr := session.Run(command)

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &CommandError{
			Command:  command,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return res, fmt.Errorf("run guest command %q: %w", command, runErr)
}

// Ping verifies the guest shell is reachable and accepting commands.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Exec(ctx, "true")
	return err
}

// Upload streams a local file into the guest at remotePath.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	return c.stream(ctx, src, nil, "cat > "+quote(remotePath))
}

// Download streams a guest file at remotePath into localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()
	if err := c.stream(ctx, nil, dst, "cat "+quote(remotePath)); err != nil {
		return err
	}
	return dst.Sync()
}

// stream runs command with the given stdin/stdout plumbing, collecting
// stderr for the failure report.
func (c *Client) stream(ctx context.Context, stdin io.Reader, stdout io.Writer, command string) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return &ConnectError{Addr: c.Addr(), Err: err}
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	c.log.Debug("running guest transfer", "addr", c.Addr(), "cmd", command)
	if runErr := session.Run(command); runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return &CommandError{
				Command:  command,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   stderr.String(),
			}
		}
		return fmt.Errorf("run guest transfer %q: %w", command, runErr)
	}
	return nil
}

// quote wraps s in single quotes for the remote shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
