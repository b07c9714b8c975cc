// Package local opens shells as processes on the local host.
// There is no PTY, so shells don't echo input and usually don't print a prompt unless told to.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"go.uber.org/zap"
)

// killGrace is how long Close waits for the shell to exit after closing its stdin.
const killGrace = 2 * time.Second

// Connection spawns a new shell process for every OpenShell.
type Connection struct {
	log        *zap.SugaredLogger
	shellCmd   []string
	dir        string
	inheritEnv bool
}

type Option func(c *Connection)

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Named("local").Sugar()
	}
}

// WithShell sets the shell command line, "/bin/sh" by default.
func WithShell(cmd ...string) Option {
	return func(c *Connection) {
		c.shellCmd = cmd
	}
}

func WithDir(d string) Option {
	return func(c *Connection) {
		c.dir = d
	}
}

// WithInheritEnv controls whether the shell starts with this process's environment. Defaults to true.
func WithInheritEnv(b bool) Option {
	return func(c *Connection) {
		c.inheritEnv = b
	}
}

func New(opts ...Option) *Connection {
	c := &Connection{
		log:        zap.NewNop().Sugar(),
		shellCmd:   []string{"/bin/sh"},
		inheritEnv: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsConnected is always true, the local host is always reachable.
func (c *Connection) IsConnected() bool { return true }

func (c *Connection) OpenShell(ctx context.Context, req shell.ShellRequest) (stream.ByteChannel, error) {
	if len(c.shellCmd) == 0 {
		return nil, fmt.Errorf("no shell command configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.shellCmd[0], c.shellCmd[1:]...)
	cmd.Dir = c.dir
	cmd.Env = c.env(req)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin: %w", err)
	}
	// stderr is merged into stdout, as a terminal would show it
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting shell %q: %w", c.shellCmd[0], err)
	}

	p := &proc{
		log:    c.log,
		cmd:    cmd,
		stdin:  stdin,
		out:    pr,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		c.log.Debugw("shell exited", "PID", cmd.Process.Pid, "Error", err)
		pw.Close()
		close(p.exited)
	}()

	c.log.Debugw("started shell", "PID", cmd.Process.Pid, "Cmd", c.shellCmd)
	label := fmt.Sprintf("local://%d", cmd.Process.Pid)
	return stream.New(label, pr, stdin, p, stream.WithLogger(c.log.Desugar())), nil
}

func (c *Connection) env(req shell.ShellRequest) []string {
	var env []string
	if c.inheritEnv {
		env = os.Environ()
	}
	env = append(env, "TERM="+req.TermType)
	if req.Unit == shell.Characters {
		env = append(env, "COLUMNS="+strconv.Itoa(req.Width), "LINES="+strconv.Itoa(req.Height))
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// later entries win in exec.Cmd.Env
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return env
}

// proc closes a shell process: stdin first, and a kill if it doesn't exit in time.
type proc struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *io.PipeReader
	exited chan struct{}

	closeOnce sync.Once
}

func (p *proc) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		// nobody reads the output anymore, so unblock the copy goroutine Wait is waiting on
		p.out.Close()
		t := time.NewTimer(killGrace)
		defer t.Stop()
		select {
		case <-p.exited:
		case <-t.C:
			p.log.Debugw("killing shell", "PID", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			<-p.exited
		}
	})
	return nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("local connection shell=%v", c.shellCmd)
}
