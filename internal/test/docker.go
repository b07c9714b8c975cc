package test

import (
	"context"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
)

// Container pulls image, starts a container running cmd and force-removes it when the test ends.
func Container(ctx context.Context, t *testing.T, image string, cmd ...string) (*client.Client, string) {
	t.Helper()
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	t.Cleanup(func() { dockerClient.Close() })

	out, err := dockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, out)
	out.Close()
	require.NoError(t, err)

	createResp, err := dockerClient.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   cmd,
	}, nil, nil, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		err := dockerClient.ContainerRemove(context.Background(), createResp.ID, types.ContainerRemoveOptions{Force: true})
		if err != nil {
			t.Logf("removing container %s: %s", createResp.ID, err)
		}
	})
	require.NoError(t, dockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{}))
	return dockerClient, createResp.ID
}
