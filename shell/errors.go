package shell

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the connection or channel an operation needs is not established.
	ErrConnection = errors.New("not connected")
	// ErrInvalidArgument means a value was out of range, or a locked Command was passed to an execute call.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrContext means an operation was attempted before a prerequisite was configured.
	ErrContext = errors.New("missing prerequisite")
)

// Error is returned for connection, argument and context errors.
// It matches its Kind with errors.Is and unwraps to the underlying cause, if any.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func invalidArg(op, format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func contextErr(op, format string, args ...any) error {
	return &Error{Kind: ErrContext, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func connectionErr(op, msg string) error {
	return &Error{Kind: ErrConnection, Op: op, Msg: msg}
}
