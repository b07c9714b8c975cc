package net

import (
	"fmt"
	"net"
	"strconv"
)

// EphemeralTCPAddr asks the OS for a free port on host and returns it with the joined address.
// The port is released before returning, so another listener may take it first.
func EphemeralTCPAddr(host string) (string, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", 0, fmt.Errorf("resolving %s:0: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return "", 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(host, strconv.Itoa(port)), port, nil
}
