package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// Credentials holds what a login needs. Exactly one of Password or
// PrivateKey is used, chosen by AuthType.
type Credentials struct {
	AuthType   config.AuthType
	Username   string
	Port       int
	Password   string
	PrivateKey string
}

// CredentialsFrom copies the login settings out of a scan config.
func CredentialsFrom(cfg config.ScanConfig) Credentials {
	return Credentials{
		AuthType:   cfg.AuthType,
		Username:   cfg.SSHUsername,
		Port:       cfg.SSHPort,
		Password:   cfg.SSHPassword,
		PrivateKey: cfg.SSHPrivateKey,
	}
}

// Executor runs inventory commands over SSH.
type Executor struct {
	dialTimeout     time.Duration
	hostKeyCallback ssh.HostKeyCallback
	log             *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithDialTimeout bounds the TCP connect and handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(e *Executor) { e.dialTimeout = d }
}

// WithHostKeyCallback enables host key verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(e *Executor) { e.hostKeyCallback = cb }
}

// NewExecutor creates an executor. Host keys are accepted unless a callback
// is supplied, since scanned hosts are not known in advance.
func NewExecutor(log *logging.Logger, opts ...Option) *Executor {
	if log == nil {
		log = logging.Discard()
	}
	e := &Executor{
		dialTimeout:     10 * time.Second,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		log:             log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Login opens one session to host, runs commands in order and closes it.
// Failures are reported in the result; ctx bounds the whole exchange.
func (e *Executor) Login(ctx context.Context, host string, creds Credentials, commands []config.Command) inventory.LoginResult {
	res := inventory.LoginResult{Host: host, AuthType: string(creds.AuthType)}

	auth, err := authMethods(creds)
	if err != nil {
		return fail(res, inventory.FailureAuthRejected, err)
	}
	port := creds.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(res, classifyDialError(ctx, err), err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: e.hostKeyCallback,
		Timeout:         e.dialTimeout,
	}
	if e.dialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(e.dialTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fail(res, classifyHandshakeError(ctx, err), err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()
	gone := make(chan struct{})
	go func() {
		client.Wait()
		close(gone)
	}()

	res.Outputs = make([]inventory.CommandOutput, 0, len(commands))
	for _, cmd := range commands {
		out, err := run(client, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return fail(res, inventory.FailureTimeout, ctx.Err())
			}
			if connClosed(gone) {
				return fail(res, inventory.FailureProtocolError, fmt.Errorf("%s: %w", cmd.Name, err))
			}
			// The server refused this command only; keep going.
			e.log.Debug("command not run", "host", host, "command", cmd.Name, "error", err)
			out.ExitStatus = -1
			out.Error = err.Error()
		}
		res.Outputs = append(res.Outputs, out)
	}
	res.Success = true
	e.log.Debug("login completed", "host", host, "commands", len(res.Outputs))
	return res
}

func run(client *ssh.Client, cmd config.Command) (inventory.CommandOutput, error) {
	out := inventory.CommandOutput{Name: cmd.Name, Command: cmd.Command}
	session, err := client.NewSession()
	if err != nil {
		return out, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	var stdout bytes.Buffer
	session.Stdout = &stdout
	err = session.Run(cmd.Command)
	out.Stdout = stdout.String()

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		out.ExitStatus = 0
	case errors.As(err, &exitErr):
		out.ExitStatus = exitErr.ExitStatus()
	case errors.As(err, &missing):
		out.ExitStatus = -1
	default:
		return out, err
	}
	return out, nil
}

// connClosed reports whether the transport has shut down. A failed request
// races the reader noticing EOF, so it waits briefly before deciding.
func connClosed(gone <-chan struct{}) bool {
	select {
	case <-gone:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	switch creds.AuthType {
	case config.AuthPassword:
		if creds.Password == "" {
			return nil, errors.New("password auth without a password")
		}
		pw := creds.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	case config.AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unsupported auth type %q", creds.AuthType)
}

func fail(res inventory.LoginResult, kind inventory.FailureKind, err error) inventory.LoginResult {
	res.Success = false
	res.Failure = kind
	if err != nil {
		res.Reason = err.Error()
	}
	return res
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

func classifyDialError(ctx context.Context, err error) inventory.FailureKind {
	if ctx.Err() != nil || isTimeout(err) {
		return inventory.FailureTimeout
	}
	return inventory.FailureUnreachable
}

func classifyHandshakeError(ctx context.Context, err error) inventory.FailureKind {
	switch {
	case ctx.Err() != nil || isTimeout(err):
		return inventory.FailureTimeout
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return inventory.FailureAuthRejected
	}
	return inventory.FailureProtocolError
}
