// Package ssh opens interactive shells over SSH.
package ssh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"
)

// ptyRequest is the payload of a "pty-req" channel request (RFC 4254 section 6.2).
type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// DefaultTerminalModes disables nothing and sets a sane line speed.
var DefaultTerminalModes = gossh.TerminalModes{
	gossh.ECHO:          1,
	gossh.TTY_OP_ISPEED: 14400,
	gossh.TTY_OP_OSPEED: 14400,
}

// Connection is a shell.Connection over an SSH client.
type Connection struct {
	log    *zap.SugaredLogger
	client *gossh.Client
	label  string
	modes  gossh.TerminalModes

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(c *Connection)

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Named("ssh").Sugar()
	}
}

// WithTerminalModes sets the modes sent with the pty request.
func WithTerminalModes(m gossh.TerminalModes) Option {
	return func(c *Connection) {
		c.modes = m
	}
}

// New wraps an established client. The Connection takes ownership of it.
func New(client *gossh.Client, opts ...Option) *Connection {
	c := &Connection{
		log:    zap.NewNop().Sugar(),
		client: client,
		label:  client.RemoteAddr().String(),
		modes:  DefaultTerminalModes,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go func() {
		err := client.Wait()
		c.log.Debugw("ssh connection ended", "Addr", c.label, "Error", err)
		c.markClosed()
	}()
	return c
}

// Dial connects and authenticates to addr.
func Dial(ctx context.Context, addr string, cfg *gossh.ClientConfig, opts ...Option) (*Connection, error) {
	d := &net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := gossh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return New(gossh.NewClient(sshConn, chans, reqs), opts...), nil
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// OpenShell starts a session channel, requests a PTY sized per req and starts the login shell.
func (c *Connection) OpenShell(ctx context.Context, req shell.ShellRequest) (stream.ByteChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			sess.Close()
		}
	}()

	// servers commonly reject env requests via AcceptEnv, which isn't fatal
	for _, k := range sortedKeys(req.Env) {
		if err := sess.Setenv(k, req.Env[k]); err != nil {
			c.log.Debugw("env request rejected", "Addr", c.label, "Name", k, "Error", err)
		}
	}

	accepted, err := sess.SendRequest("pty-req", true, gossh.Marshal(c.ptyRequest(req)))
	if err != nil {
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	if !accepted {
		return nil, fmt.Errorf("pty request rejected by %s", c.label)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout: %w", err)
	}
	if err := sess.Shell(); err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	ok = true

	c.log.Debugw("opened shell", "Addr", c.label, "Term", req.TermType, "Width", req.Width, "Height", req.Height, "Unit", req.Unit)
	return stream.New(c.label, stdout, stdin, sessionCloser{sess}, stream.WithLogger(c.log.Desugar())), nil
}

// sessionCloser closes an SSH session, treating a channel the server already closed as closed.
type sessionCloser struct {
	sess *gossh.Session
}

func (s sessionCloser) Close() error {
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Connection) ptyRequest(req shell.ShellRequest) ptyRequest {
	p := ptyRequest{Term: req.TermType, Modelist: encodeModes(c.modes)}
	if req.Unit == shell.Pixels {
		p.Width, p.Height = uint32(req.Width), uint32(req.Height)
	} else {
		p.Columns, p.Rows = uint32(req.Width), uint32(req.Height)
	}
	return p
}

// encodeModes encodes terminal modes as opcode/uint32 pairs terminated by TTY_OP_END.
func encodeModes(m gossh.TerminalModes) string {
	var buf []byte
	ops := make([]int, 0, len(m))
	for op := range m {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)
	for _, op := range ops {
		buf = append(buf, byte(op))
		buf = binary.BigEndian.AppendUint32(buf, m[uint8(op)])
	}
	return string(append(buf, 0))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes the underlying SSH client and every shell opened on it.
func (c *Connection) Close() error {
	err := c.client.Close()
	c.markClosed()
	return err
}

func (c *Connection) String() string {
	return fmt.Sprintf("ssh connection addr=%s", c.label)
}
