package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleetd/internal/types"
)

// SSHDialer opens sessions over ssh. One dialer serves the whole fleet; the
// per-endpoint credentials arrive in the Endpoint.
type SSHDialer struct {
	connectTimeout time.Duration
	execTimeout    time.Duration
	hostKeys       ssh.HostKeyCallback
	logger         *zap.Logger
}

var _ Dialer = (*SSHDialer)(nil)

// NewSSHDialer builds the real dialer. When knownHostsPath is empty host keys
// are not verified, which is the usual posture inside a closed lab network.
func NewSSHDialer(connectTimeout, execTimeout time.Duration, knownHostsPath string, logger *zap.Logger) (*SSHDialer, error) {
	cb := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		var err error
		cb, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, types.Validationf("load known hosts %s: %v", knownHostsPath, err)
		}
	}
	return &SSHDialer{
		connectTimeout: connectTimeout,
		execTimeout:    execTimeout,
		hostKeys:       cb,
		logger:         logger.Named("ssh"),
	}, nil
}

// Dial establishes a client connection and wraps it as a Session.
func (d *SSHDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	auth, err := d.authMethods(ep)
	if err != nil {
		return nil, err
	}

	timeout := ep.ConnectTimeout
	if timeout <= 0 {
		timeout = d.connectTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         timeout,
	}

	// ssh.Dial has no context; dial TCP ourselves so cancellation works.
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, types.TransportErrf(err, "dial %s", ep.Addr())
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, ep.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, types.TransportErrf(err, "ssh handshake %s", ep.PoolKey())
	}

	d.logger.Debug("session established", zap.String("endpoint", ep.PoolKey()))
	return &sshSession{
		client:      ssh.NewClient(c, chans, reqs),
		endpoint:    ep,
		execTimeout: d.execTimeout,
	}, nil
}

// Validate dials and runs a trivial command.
func (d *SSHDialer) Validate(ctx context.Context, ep Endpoint) error {
	sess, err := d.Dial(ctx, ep)
	if err != nil {
		return err
	}
	defer sess.Close()
	_, err = sess.Exec(ctx, Command{Line: "true", Timeout: 10 * time.Second})
	return err
}

func (d *SSHDialer) authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if ep.PrivateKeyPath != "" {
		raw, err := os.ReadFile(ep.PrivateKeyPath)
		if err != nil {
			return nil, types.Validationf("read private key %s: %v", ep.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, types.Validationf("parse private key %s: %v", ep.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		methods = append(methods, ssh.Password(ep.Password))
	}
	if len(methods) == 0 {
		return nil, types.Validationf("no credentials for %s", ep.PoolKey())
	}
	return methods, nil
}

// sshSession multiplexes commands and transfers over one client connection.
type sshSession struct {
	client      *ssh.Client
	endpoint    Endpoint
	execTimeout time.Duration
}

var _ Session = (*sshSession)(nil)

func (s *sshSession) Exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.execTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := s.client.NewSession()
	if err != nil {
		return nil, types.TransportErrf(err, "open channel to %s", s.endpoint.PoolKey())
	}
	defer raw.Close()

	var stdout, stderr bytes.Buffer
	raw.Stdout = &stdout
	raw.Stderr = &stderr
	if cmd.Stdin != "" {
		raw.Stdin = strings.NewReader(cmd.Stdin)
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- raw.Run(withEnv(cmd.Line, cmd.Env)) }()

	select {
	case <-ctx.Done():
		// Best effort; most sshds ignore signals on exec channels, so
		// closing the channel is what actually stops the command.
		raw.Signal(ssh.SIGKILL)
		raw.Close()
		<-done
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.TransportErrf(ctx.Err(), "exec on %s timed out after %s", s.endpoint.Host, timeout)
		}
		return nil, types.Cancelledf("exec on %s cancelled", s.endpoint.Host)
	case err = <-done:
	}
	finished := time.Now()

	res := &ExecResult{
		ExitCode:   0,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   finished.Sub(started),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return nil, types.TransportErrf(err, "exec on %s", s.endpoint.Host)
	}
	return res, nil
}

// Upload streams src through a remote `cat`, hashing as it goes. This keeps
// the transport to plain exec channels instead of pulling in sftp.
func (s *sshSession) Upload(ctx context.Context, src io.Reader, remotePath string) (*TransferResult, error) {
	raw, err := s.client.NewSession()
	if err != nil {
		return nil, types.TransportErrf(err, "open channel to %s", s.endpoint.PoolKey())
	}
	defer raw.Close()

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(src, hasher)}
	raw.Stdin = counter

	dir := path.Dir(remotePath)
	line := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(remotePath))

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- raw.Run(line) }()

	select {
	case <-ctx.Done():
		raw.Close()
		<-done
		return nil, types.Cancelledf("upload to %s:%s cancelled", s.endpoint.Host, remotePath)
	case err = <-done:
	}
	if err != nil {
		return nil, types.TransportErrf(err, "upload %s to %s", remotePath, s.endpoint.Host)
	}
	return &TransferResult{
		Bytes:    counter.n,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		Duration: time.Since(started),
	}, nil
}

// Download streams a remote `cat` into dst.
func (s *sshSession) Download(ctx context.Context, remotePath string, dst io.Writer) (*TransferResult, error) {
	raw, err := s.client.NewSession()
	if err != nil {
		return nil, types.TransportErrf(err, "open channel to %s", s.endpoint.PoolKey())
	}
	defer raw.Close()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(dst, hasher)}
	raw.Stdout = counter
	var stderr bytes.Buffer
	raw.Stderr = &stderr

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- raw.Run("cat " + shellQuote(remotePath)) }()

	select {
	case <-ctx.Done():
		raw.Close()
		<-done
		return nil, types.Cancelledf("download %s:%s cancelled", s.endpoint.Host, remotePath)
	case err = <-done:
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, types.Remotef("download %s from %s: %s", remotePath, s.endpoint.Host, strings.TrimSpace(stderr.String()))
		}
		return nil, types.TransportErrf(err, "download %s from %s", remotePath, s.endpoint.Host)
	}
	return &TransferResult{
		Bytes:    counter.n,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		Duration: time.Since(started),
	}, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// withEnv prefixes the command with env when variables are set. Setenv on the
// channel depends on sshd AcceptEnv, which lab hosts rarely configure.
func withEnv(line string, env map[string]string) string {
	if len(env) == 0 {
		return line
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("env")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(env[k]))
	}
	b.WriteString(" sh -c ")
	b.WriteString(shellQuote(line))
	return b.String()
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
