package shell

import (
	"context"
	"time"

	"github.com/guseggert/shellsession/stream"
	"go.uber.org/zap"
)

const (
	DefaultTerminalType   = "vt100"
	DefaultTerminalWidth  = 80
	DefaultTerminalHeight = 24
	DefaultHaltDelay      = 200 * time.Millisecond
	DefaultTimeout        = 10 * time.Second
	DefaultLineTerminator = "\n"
)

type Option func(s *Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.base = l
	}
}

func WithTerminalSize(width, height int) Option {
	return func(s *Session) {
		s.termWidth = width
		s.termHeight = height
	}
}

func WithTerminalUnit(u TerminalUnit) Option {
	return func(s *Session) {
		s.termUnit = u
	}
}

func WithTerminalType(t string) Option {
	return func(s *Session) {
		s.termType = t
	}
}

// WithEnv adds environment variables sent when the shell is opened.
func WithEnv(env map[string]string) Option {
	return func(s *Session) {
		for k, v := range env {
			s.env[k] = v
		}
	}
}

func WithPrompt(p string) Option {
	return func(s *Session) {
		s.prompt = p
	}
}

// WithAutoDetectPrompt makes Start take the prompt from the last line of the banner.
func WithAutoDetectPrompt(b bool) Option {
	return func(s *Session) {
		s.autoDetectPrompt = b
	}
}

func WithHaltDelay(d time.Duration) Option {
	return func(s *Session) {
		s.halt = d
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithRecordHistory(b bool) Option {
	return func(s *Session) {
		s.recordHistory = b
	}
}

// WithLineTerminator sets the bytes written after each command.
func WithLineTerminator(t string) Option {
	return func(s *Session) {
		s.lineTerminator = t
	}
}

func WithWaiter(w Waiter) Option {
	return func(s *Session) {
		s.waiter = w
	}
}

// WithTerminator replaces the routine Shutdown runs before closing the channel.
// Errors it returns are logged and otherwise ignored.
func WithTerminator(f func(ctx context.Context, s *Session) error) Option {
	return func(s *Session) {
		s.terminator = f
	}
}

type execConfig struct {
	halt             *time.Duration
	maxResponseBytes int
	observers        []stream.Observer
	chunkSize        int
	stripNeedle      bool
}

// ExecOption configures a single execution.
type ExecOption func(c *execConfig)

// WithHalt overrides the session halt delay for one execution.
func WithHalt(d time.Duration) ExecOption {
	return func(c *execConfig) {
		c.halt = &d
	}
}

// WithMaxResponseBytes bounds the response read. 0 means unbounded.
func WithMaxResponseBytes(n int) ExecOption {
	return func(c *execConfig) {
		c.maxResponseBytes = n
	}
}

// WithObservers registers progress observers for terminator-seeking reads.
func WithObservers(obs ...stream.Observer) ExecOption {
	return func(c *execConfig) {
		c.observers = append(c.observers, obs...)
	}
}

// WithChunkSize sets how many bytes terminator-seeking reads take at a time, which bounds the interval between observer calls.
func WithChunkSize(n int) ExecOption {
	return func(c *execConfig) {
		c.chunkSize = n
	}
}

// WithStripNeedle removes the needle from the response of ExecuteAndReadUntil.
func WithStripNeedle(b bool) ExecOption {
	return func(c *execConfig) {
		c.stripNeedle = b
	}
}

func newExecConfig(op string, opts []ExecOption) (*execConfig, error) {
	c := &execConfig{chunkSize: stream.DefaultChunkSize}
	for _, o := range opts {
		o(c)
	}
	if c.halt != nil && *c.halt < 0 {
		return nil, invalidArg(op, "negative halt delay %s", *c.halt)
	}
	if c.maxResponseBytes < 0 {
		return nil, invalidArg(op, "negative max response bytes %d", c.maxResponseBytes)
	}
	if c.chunkSize <= 0 {
		return nil, invalidArg(op, "non-positive chunk size %d", c.chunkSize)
	}
	return c, nil
}
