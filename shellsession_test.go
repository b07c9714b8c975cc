package shellsession

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/guseggert/shellsession/agent"
	"github.com/guseggert/shellsession/internal/net"
	"github.com/guseggert/shellsession/internal/test"
	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/transport/docker"
	"github.com/guseggert/shellsession/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func agentConnection(t *testing.T) shell.Connection {
	certs, err := agent.GenerateCerts()
	require.NoError(t, err)
	addr, port, err := net.EphemeralTCPAddr("127.0.0.1")
	require.NoError(t, err)

	a, err := agent.NewShellAgent(certs.CA.CertPEM, certs.Server.CertPEM, certs.Server.KeyPEM,
		agent.WithListenAddr(addr),
		agent.WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() { a.Stop() })

	client, err := agent.NewClient(zap.NewNop().Sugar(), certs, "127.0.0.1", port)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestSessionsInParallel(t *testing.T) {
	run := func(t *testing.T, name string, newConn func(t *testing.T) shell.Connection, isInteg bool) {
		t.Run(name, func(t *testing.T) {
			if isInteg {
				test.Integration(t)
			}
			t.Parallel()

			conn := newConn(t)

			// In parallel, open a few sessions on the same connection and check each one only sees its own output.
			group, groupCtx := errgroup.WithContext(context.Background())
			for i := 0; i < 3; i++ {
				i := i
				group.Go(func() error {
					sess, err := shell.New(conn,
						shell.WithLogger(zap.NewNop()),
						shell.WithHaltDelay(0),
						// shells without a TTY print no banner, so Start waits out the timeout
						shell.WithTimeout(2*time.Second),
						shell.WithRecordHistory(true),
						shell.WithEnv(map[string]string{"SESSION": fmt.Sprint(i)}),
					)
					if err != nil {
						return err
					}
					if err := sess.Start(groupCtx); err != nil {
						return err
					}
					defer sess.Shutdown(context.Background())

					for j := 0; j < 3; j++ {
						needle := fmt.Sprintf("done-%d-%d", i, j)
						// quoted so a TTY echo of the command doesn't contain the needle
						text := fmt.Sprintf(`echo "session=$SESSION"; echo done-%d-"%d"`, i, j)
						cmd, err := sess.ExecuteAndReadUntil(groupCtx, text, needle)
						if err != nil {
							return err
						}
						assert.Contains(t, cmd.Response(), fmt.Sprintf("session=%d", i))
						assert.NotContains(t, cmd.Response(), fmt.Sprintf("done-%d-%d", i, j-1))
					}
					assert.Len(t, sess.History(), 4)
					return nil
				})
			}
			if err := group.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}

	run(t, "local shell", func(t *testing.T) shell.Connection {
		return local.New(local.WithLogger(zap.NewNop()))
	}, false)
	run(t, "shell agent", agentConnection, false)
	run(t, "Docker exec", func(t *testing.T) shell.Connection {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		dockerClient, id := test.Container(ctx, t, "busybox", "sleep", "300")
		conn, err := docker.New(id, docker.WithClient(dockerClient), docker.WithLogger(zap.NewNop()))
		require.NoError(t, err)
		return conn
	}, true)
}
