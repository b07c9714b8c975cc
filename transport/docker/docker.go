// Package docker opens interactive shells inside running Docker containers using TTY execs.
// The Docker client supports the standard environment variables (DOCKER_HOST etc.).
package docker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"go.uber.org/zap"
)

// Connection is a shell.Connection to a running container.
type Connection struct {
	log          *zap.SugaredLogger
	dockerClient client.APIClient
	containerID  string

	shellCmd   []string
	user       string
	workingDir string
}

type Option func(c *Connection)

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Named("docker").Sugar()
	}
}

// WithClient uses an existing Docker client instead of building one from the environment.
func WithClient(cl client.APIClient) Option {
	return func(c *Connection) {
		c.dockerClient = cl
	}
}

// WithShell sets the command exec'd in the container, "/bin/sh" by default.
func WithShell(cmd ...string) Option {
	return func(c *Connection) {
		c.shellCmd = cmd
	}
}

func WithUser(u string) Option {
	return func(c *Connection) {
		c.user = u
	}
}

func WithWorkingDir(d string) Option {
	return func(c *Connection) {
		c.workingDir = d
	}
}

func New(containerID string, opts ...Option) (*Connection, error) {
	c := &Connection{
		log:         zap.NewNop().Sugar(),
		containerID: containerID,
		shellCmd:    []string{"/bin/sh"},
	}
	for _, o := range opts {
		o(c)
	}
	if c.dockerClient == nil {
		cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("building Docker client: %w", err)
		}
		c.dockerClient = cl
	}
	return c, nil
}

// IsConnected reports whether the container is running.
func (c *Connection) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := c.dockerClient.ContainerInspect(ctx, c.containerID)
	if err != nil {
		c.log.Debugw("inspecting container", "Container", c.containerID, "Error", err)
		return false
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func (c *Connection) OpenShell(ctx context.Context, req shell.ShellRequest) (stream.ByteChannel, error) {
	createResp, err := c.dockerClient.ContainerExecCreate(ctx, c.containerID, types.ExecConfig{
		User:         c.user,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          execEnv(req),
		WorkingDir:   c.workingDir,
		Cmd:          c.shellCmd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", c.containerID, err)
	}
	execID := createResp.ID

	resp, err := c.dockerClient.ContainerExecAttach(ctx, execID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", execID, err)
	}

	// exec TTYs are sized in characters only
	if req.Unit == shell.Characters {
		err = c.dockerClient.ContainerExecResize(ctx, execID, types.ResizeOptions{
			Width:  uint(req.Width),
			Height: uint(req.Height),
		})
		if err != nil {
			c.log.Debugw("resizing exec TTY", "Exec", execID, "Error", err)
		}
	} else {
		c.log.Debugw("ignoring pixel terminal size", "Exec", execID, "Width", req.Width, "Height", req.Height)
	}

	c.log.Debugw("opened shell", "Container", c.containerID, "Exec", execID, "Cmd", c.shellCmd)
	label := fmt.Sprintf("docker://%s", c.containerID)
	return stream.New(label, resp.Reader, resp.Conn, resp.Conn, stream.WithLogger(c.log.Desugar())), nil
}

// execEnv returns the exec environment, TERM first, then the requested variables sorted by name.
func execEnv(req shell.ShellRequest) []string {
	env := []string{"TERM=" + req.TermType}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		if k == "TERM" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, req.Env[k]))
	}
	return env
}

func (c *Connection) String() string {
	return fmt.Sprintf("docker connection container=%s", c.containerID)
}
