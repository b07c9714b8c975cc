// Package shellsession drives interactive shells over a persistent byte stream and recovers each command's output.
//
// The engine lives in package shell: a Session opens a channel on a shell.Connection, records the banner,
// and executes commands by reading for a fixed delay, until a needle, or until the prompt reappears.
// Package stream provides the channel contract and an implementation over any reader and writer.
//
// Connections:
//
//   - transport/ssh opens a PTY shell on an SSH client
//   - transport/docker opens a TTY exec in a running container
//   - transport/local spawns a shell on this host
//   - agent serves shells over mTLS WebSockets, and its Client is a Connection
//
// Session settings can also come from YAML profiles, see package config.
package shellsession
