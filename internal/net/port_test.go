package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralTCPAddr(t *testing.T) {
	addr, port, err := EphemeralTCPAddr("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, port, l.Addr().(*net.TCPAddr).Port)
}
