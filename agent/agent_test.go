package agent

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/shellsession/internal/net"
	"github.com/guseggert/shellsession/shell"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// promptShell prints a banner and a "$ " prompt after every command, so sessions can wait for it without a PTY.
var promptShell = []string{"/bin/sh", "-c", `printf 'agent ready\n$ '; while read -r line; do eval "$line"; printf '$ '; done`}

func startAgent(t *testing.T, certs *Certs, opts ...Option) int {
	t.Helper()
	addr, port, err := net.EphemeralTCPAddr("127.0.0.1")
	require.NoError(t, err)

	opts = append([]Option{WithListenAddr(addr), WithLogger(zap.NewNop())}, opts...)
	agent, err := NewShellAgent(
		certs.CA.CertPEM,
		certs.Server.CertPEM,
		certs.Server.KeyPEM,
		opts...,
	)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})
	return port
}

func newClient(t *testing.T, certs *Certs, port int) *Client {
	t.Helper()
	client, err := NewClient(log, certs, "127.0.0.1", port, WithClientLogger(zap.NewNop()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, serverCerts)
	newClient(t, serverCerts, port)

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls:")
	assert.False(t, client.IsConnected())

	_, err = client.OpenShell(context.Background(), shell.ShellRequest{TermType: "vt100", Width: 80, Height: 24})
	assert.Error(t, err)
}

func TestShellSession(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, certs, WithShell(promptShell...))
	client := newClient(t, certs, port)
	assert.True(t, client.IsConnected())

	sess, err := shell.New(client,
		shell.WithLogger(zap.NewNop()),
		shell.WithHaltDelay(0),
		shell.WithTimeout(5*time.Second),
		shell.WithAutoDetectPrompt(true),
		shell.WithRecordHistory(true),
		shell.WithTerminalSize(100, 50),
		shell.WithEnv(map[string]string{"FOO": "bar baz"}),
	)
	require.NoError(t, err)
	require.NoError(t, sess.Start(ctx))
	assert.Equal(t, "$ ", sess.Prompt())

	cmd, err := sess.ExecuteAndWaitForPrompt(ctx, `echo "$FOO $COLUMNS $LINES $TERM"`)
	require.NoError(t, err)
	assert.Equal(t, "bar baz 100 50 vt100\n", cmd.Response())

	cmd, err = sess.ExecuteAndWaitForPrompt(ctx, "expr 6 \\* 7")
	require.NoError(t, err)
	assert.Equal(t, "42\n", cmd.Response())

	require.Len(t, sess.History(), 3)
	assert.Equal(t, "agent ready\n$ ", sess.History()[0].Response())

	require.NoError(t, sess.Shutdown(ctx))
	require.NoError(t, sess.Shutdown(ctx))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, certs, WithShell(promptShell...))
	client := newClient(t, certs, port)

	ch, err := client.OpenShell(ctx, shell.ShellRequest{TermType: "vt100", Width: 80, Height: 24})
	require.NoError(t, err)
	b, err := ch.ReadUntil([]byte("$ "), 0, false, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "agent ready\n$ ", string(b))
	require.NoError(t, ch.Close())

	assert.Eventually(t, func() bool {
		body := get(t, client, "/metrics")
		return strings.Contains(body, `shellagent_shells_opened_total{result="ok"} 1`) &&
			strings.Contains(body, "shellagent_shells_active 0") &&
			strings.Contains(body, "shellagent_shell_duration_seconds_count 1")
	}, 10*time.Second, 50*time.Millisecond)
}

func get(t *testing.T, client *Client, path string) string {
	t.Helper()
	resp, err := client.HTTPClient.Get(client.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestShellBadRequest(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, certs)
	client := newClient(t, certs, port)

	resp, err := client.HTTPClient.Get(client.baseURL + "/shell?cols=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeatFailureHandler(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	failed := make(chan struct{}, 1)
	startAgent(t, certs,
		WithHeartbeatTimeout(time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)

	select {
	case <-failed:
	case <-time.After(10 * time.Second):
		t.Fatal("heartbeat failure handler was not called")
	}
}

func TestShellQuery(t *testing.T) {
	cases := []struct {
		name   string
		query  url.Values
		exp    shell.ShellRequest
		expErr bool
	}{
		{
			name:  "round trip",
			query: shellQuery(shell.ShellRequest{TermType: "xterm", Width: 120, Height: 40, Unit: shell.Pixels, Env: map[string]string{"A": "1=2", "B": ""}}),
			exp:   shell.ShellRequest{TermType: "xterm", Width: 120, Height: 40, Unit: shell.Pixels, Env: map[string]string{"A": "1=2", "B": ""}},
		},
		{
			name:  "defaults",
			query: url.Values{},
			exp:   shell.ShellRequest{TermType: "vt100", Width: 80, Height: 24, Unit: shell.Characters, Env: map[string]string{}},
		},
		{name: "zero cols", query: url.Values{"cols": {"0"}}, expErr: true},
		{name: "non-numeric rows", query: url.Values{"rows": {"many"}}, expErr: true},
		{name: "unknown unit", query: url.Values{"unit": {"furlongs"}}, expErr: true},
		{name: "env without value separator", query: url.Values{"env": {"FOO"}}, expErr: true},
		{name: "env without name", query: url.Values{"env": {"=x"}}, expErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			req, err := parseShellQuery(c.query)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, req)
		})
	}
}
