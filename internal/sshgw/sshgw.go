// Package sshgw bridges relay sessions to the remote host's sshd.
//
// It wraps golang.org/x/crypto/ssh to dial hosts with stored key material
// and create PTY-backed shell sessions with resize support. The relay
// WebSocket handler is its only caller.
package sshgw

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// MaxCols and MaxRows bound terminal dimensions accepted from clients.
// Values beyond these are clamped.
const (
	MaxCols = 500
	MaxRows = 500
)

// DefaultCols and DefaultRows apply when the client reports no dimensions.
const (
	DefaultCols = 120
	DefaultRows = 32
)

// ClampDims normalizes client-reported terminal dimensions.
func ClampDims(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// Dial opens an SSH connection to addr:port as the given remote user,
// authenticating with the host's stored private key.
func Dial(ctx context.Context, addr string, port int, user string, signer ssh.Signer, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	target := net.JoinHostPort(addr, strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	netConn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, target, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", target, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// ShellSession wraps an SSH session with PTY support for interactive access.
type ShellSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	session *ssh.Session
	done    chan struct{}
}

// Resize changes the PTY dimensions.
func (s *ShellSession) Resize(cols, rows int) error {
	cols, rows = ClampDims(cols, rows)
	return s.session.WindowChange(rows, cols)
}

// Close terminates the SSH session and releases resources.
func (s *ShellSession) Close() error {
	return s.session.Close()
}

// Done returns a channel closed when the remote shell exits.
func (s *ShellSession) Done() <-chan struct{} {
	return s.done
}

// StartShell opens a session with a PTY at the given dimensions and starts
// the host's shell. An empty shell means the account's login shell as
// configured on the remote side.
func StartShell(client *ssh.Client, shell string, cols, rows int) (*ShellSession, error) {
	cols, rows = ClampDims(cols, rows)

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// With a PTY the remote side merges stderr into stdout, so a single
	// output pipe is enough.
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if shell == "" {
		// No override: let sshd run the account's login shell.
		if err := session.Shell(); err != nil {
			session.Close()
			return nil, fmt.Errorf("start login shell: %w", err)
		}
	} else {
		if err := session.Start(shell); err != nil {
			session.Close()
			return nil, fmt.Errorf("start shell %q: %w", shell, err)
		}
	}

	done := make(chan struct{})
	go func() {
		session.Wait()
		close(done)
	}()

	return &ShellSession{
		Stdin:   stdin,
		Stdout:  stdout,
		session: session,
		done:    done,
	}, nil
}
