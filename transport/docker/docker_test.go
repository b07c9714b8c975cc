package docker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/guseggert/shellsession/internal/test"
	"github.com/guseggert/shellsession/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient serves execs from an in-memory shell over a net.Pipe.
type fakeClient struct {
	client.APIClient

	running    bool
	execConfig types.ExecConfig
	resizes    []types.ResizeOptions
}

func (f *fakeClient) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if id != "c1" {
		return types.ContainerJSON{}, errors.New("no such container")
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
		ID:    id,
		State: &types.ContainerState{Running: f.running},
	}}, nil
}

func (f *fakeClient) ContainerExecCreate(ctx context.Context, id string, cfg types.ExecConfig) (types.IDResponse, error) {
	f.execConfig = cfg
	return types.IDResponse{ID: "exec1"}, nil
}

func (f *fakeClient) ContainerExecAttach(ctx context.Context, execID string, cfg types.ExecStartCheck) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		remote.Write([]byte("/ # "))
		r := bufio.NewReader(remote)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\n")
			remote.Write([]byte(line + "\r\n" + strings.TrimPrefix(line, "echo ") + "\r\n/ # "))
		}
	}()
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
}

func (f *fakeClient) ContainerExecResize(ctx context.Context, execID string, opts types.ResizeOptions) error {
	f.resizes = append(f.resizes, opts)
	return nil
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{running: true}
	conn, err := New("c1", WithClient(fc), WithUser("root"), WithShell("/bin/ash"), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())

	sess, err := shell.New(conn,
		shell.WithLogger(zap.NewNop()),
		shell.WithHaltDelay(0),
		shell.WithAutoDetectPrompt(true),
		shell.WithTerminalSize(100, 30),
		shell.WithEnv(map[string]string{"LANG": "C"}),
	)
	require.NoError(t, err)
	require.NoError(t, sess.Start(ctx))
	assert.Equal(t, "/ # ", sess.Prompt())

	cmd, err := sess.ExecuteAndWaitForPrompt(ctx, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\r\n", cmd.Response())
	require.NoError(t, sess.Close())

	assert.True(t, fc.execConfig.Tty)
	assert.True(t, fc.execConfig.AttachStdin)
	assert.Equal(t, "root", fc.execConfig.User)
	assert.Equal(t, []string{"/bin/ash"}, fc.execConfig.Cmd)
	assert.Equal(t, []string{"TERM=vt100", "LANG=C"}, fc.execConfig.Env)
	assert.Equal(t, []types.ResizeOptions{{Width: 100, Height: 30}}, fc.resizes)
}

func TestIsConnected(t *testing.T) {
	fc := &fakeClient{}
	conn, err := New("c1", WithClient(fc))
	require.NoError(t, err)
	assert.False(t, conn.IsConnected())

	conn, err = New("missing", WithClient(fc))
	require.NoError(t, err)
	assert.False(t, conn.IsConnected())
}

func TestPixelSizeSkipsResize(t *testing.T) {
	fc := &fakeClient{running: true}
	conn, err := New("c1", WithClient(fc))
	require.NoError(t, err)

	ch, err := conn.OpenShell(context.Background(), shell.ShellRequest{TermType: "xterm", Width: 640, Height: 480, Unit: shell.Pixels})
	require.NoError(t, err)
	defer ch.Close()
	assert.Empty(t, fc.resizes)
}

func TestExecEnv(t *testing.T) {
	cases := []struct {
		name string
		req  shell.ShellRequest
		exp  []string
	}{
		{
			name: "term only",
			req:  shell.ShellRequest{TermType: "vt100"},
			exp:  []string{"TERM=vt100"},
		},
		{
			name: "sorted env",
			req:  shell.ShellRequest{TermType: "xterm", Env: map[string]string{"B": "2", "A": "1"}},
			exp:  []string{"TERM=xterm", "A=1", "B=2"},
		},
		{
			name: "terminal type wins over TERM",
			req:  shell.ShellRequest{TermType: "xterm", Env: map[string]string{"TERM": "dumb"}},
			exp:  []string{"TERM=xterm"},
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, execEnv(c.req))
		})
	}
}

func TestContainerShell(t *testing.T) {
	test.Integration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dockerClient, id := test.Container(ctx, t, "busybox", "sleep", "300")

	conn, err := New(id, WithClient(dockerClient))
	require.NoError(t, err)
	require.True(t, conn.IsConnected())

	sess, err := shell.New(conn, shell.WithHaltDelay(100*time.Millisecond), shell.WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, sess.Start(ctx))

	cmd, err := sess.ExecuteAndReadUntil(ctx, "echo hello-$((40+2))", "hello-42")
	require.NoError(t, err)
	assert.Contains(t, cmd.Response(), "hello-42")
	require.NoError(t, sess.Shutdown(ctx))
}
