package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/guseggert/shellsession/stream"
)

// TerminalUnit is the unit terminal dimensions are expressed in.
type TerminalUnit int

const (
	Characters TerminalUnit = iota
	Pixels
)

func (u TerminalUnit) String() string {
	switch u {
	case Characters:
		return "chars"
	case Pixels:
		return "pixels"
	default:
		return fmt.Sprintf("TerminalUnit(%d)", int(u))
	}
}

func (u TerminalUnit) valid() bool { return u == Characters || u == Pixels }

func ParseTerminalUnit(s string) (TerminalUnit, error) {
	switch strings.ToLower(s) {
	case "", "chars", "characters":
		return Characters, nil
	case "px", "pixels":
		return Pixels, nil
	}
	return 0, invalidArg("parse terminal unit", "unknown unit %q", s)
}

// ShellRequest describes the terminal a Connection should open a shell with.
type ShellRequest struct {
	TermType string
	Width    int
	Height   int
	Unit     TerminalUnit
	Env      map[string]string
}

// Connection is an established connection that shell channels can be opened on.
// Authentication and transport setup happen before a Connection is handed to a Session.
type Connection interface {
	IsConnected() bool
	OpenShell(ctx context.Context, req ShellRequest) (stream.ByteChannel, error)
}
