package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellsession/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Session is a configured client for one interactive shell channel.
type Session struct {
	log     *zap.SugaredLogger
	base    *zap.Logger
	loggers *loggerFuncs

	conn    Connection
	channel stream.ByteChannel
	id      string

	termWidth  int
	termHeight int
	termUnit   TerminalUnit
	termType   string
	env        map[string]string

	autoDetectPrompt bool
	prompt           string
	halt             time.Duration
	timeout          time.Duration
	lineTerminator   string

	recordHistory bool
	history       History

	waiter     Waiter
	terminator func(ctx context.Context, s *Session) error
}

// New builds a Session that opens its channel on conn.
// Nothing is opened until Start is called.
func New(conn Connection, opts ...Option) (*Session, error) {
	s := &Session{
		loggers:        &loggerFuncs{},
		conn:           conn,
		termWidth:      DefaultTerminalWidth,
		termHeight:     DefaultTerminalHeight,
		termUnit:       Characters,
		termType:       DefaultTerminalType,
		env:            map[string]string{},
		halt:           DefaultHaltDelay,
		timeout:        DefaultTimeout,
		lineTerminator: DefaultLineTerminator,
		waiter:         FixedDelay{},
		terminator:     exitTerminator,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	if s.base == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		s.base = l
	}
	s.log = zap.New(zapcore.NewTee(s.base.Core(), newCallbackCore(s.loggers))).Named("shell_session").Sugar()
	return s, nil
}

func (s *Session) validate() error {
	const op = "new session"
	if s.termWidth <= 0 || s.termHeight <= 0 {
		return invalidArg(op, "terminal size must be positive, got %dx%d", s.termWidth, s.termHeight)
	}
	if !s.termUnit.valid() {
		return invalidArg(op, "unknown terminal unit %s", s.termUnit)
	}
	if s.termType == "" {
		return invalidArg(op, "empty terminal type")
	}
	if s.halt < 0 {
		return invalidArg(op, "negative halt delay %s", s.halt)
	}
	if s.timeout < 0 {
		return invalidArg(op, "negative timeout %s", s.timeout)
	}
	if s.lineTerminator == "" {
		return invalidArg(op, "empty line terminator")
	}
	if s.waiter == nil {
		return invalidArg(op, "nil waiter")
	}
	return nil
}

func exitTerminator(ctx context.Context, s *Session) error {
	_, err := s.Execute(ctx, "exit")
	return err
}

// Start opens a shell channel on the session's connection and records the banner the host sends unprompted.
// Any channel the session already owns is closed first.
func (s *Session) Start(ctx context.Context) error {
	const op = "start"
	if s.conn == nil || !s.conn.IsConnected() {
		return connectionErr(op, "connection is not established")
	}
	if s.channel != nil {
		s.log.Debugw("closing previous channel", "ID", s.id)
		if err := s.Close(); err != nil {
			s.log.Debugw("error closing previous channel", "Error", err)
		}
	}

	ch, err := s.conn.OpenShell(ctx, s.shellRequest())
	if err != nil {
		return &Error{Kind: ErrContext, Op: op, Msg: "opening shell channel", Err: err}
	}
	if ch == nil {
		return contextErr(op, "connection returned no shell channel")
	}
	if err := ch.SetTimeout(s.timeout); err != nil {
		if cerr := ch.Close(); cerr != nil {
			s.log.Debugw("error closing channel after failed start", "Error", cerr)
		}
		return fmt.Errorf("setting channel timeout: %w", err)
	}
	s.channel = ch
	s.id = uuid.NewString()

	banner := &Command{session: s, startTime: time.Now()}
	raw, err := ch.Read(0)
	if err != nil && !errors.Is(err, stream.ErrTimeout) {
		id := s.id
		if cerr := s.Close(); cerr != nil {
			s.log.Debugw("error closing channel after failed banner read", "ID", id, "Error", cerr)
		}
		return fmt.Errorf("reading banner: %w", err)
	}
	banner.endTime = time.Now()
	banner.response = string(raw)
	banner.lock()

	if s.autoDetectPrompt {
		if p := detectPrompt(banner.response); p != "" {
			s.prompt = p
		}
	}
	if s.recordHistory {
		s.history.append(banner)
	}
	s.log.Debugw("started session", "ID", s.id, "BannerBytes", len(raw), "Prompt", s.prompt)
	return nil
}

// detectPrompt returns the last non-blank line of the banner.
func detectPrompt(banner string) string {
	lines := strings.Split(strings.Trim(banner, "\r\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSuffix(lines[i], "\r")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func (s *Session) shellRequest() ShellRequest {
	return ShellRequest{
		TermType: s.termType,
		Width:    s.termWidth,
		Height:   s.termHeight,
		Unit:     s.termUnit,
		Env:      s.Env(),
	}
}

// Shutdown runs the termination routine, by default a best-effort "exit", and then closes the channel.
// It is a no-op if the session isn't started.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.channel == nil {
		return nil
	}
	if s.terminator != nil {
		if err := s.terminator(ctx, s); err != nil {
			s.log.Debugw("termination routine failed", "ID", s.id, "Error", err)
		}
	}
	return s.Close()
}

// Close closes the channel without running the termination routine.
// It is a no-op if the session isn't started.
func (s *Session) Close() error {
	if s.channel == nil {
		return nil
	}
	ch, id := s.channel, s.id
	s.channel = nil
	s.id = ""
	err := ch.Close()
	s.log.Debugw("closed session", "ID", id, "Error", err)
	if err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}
	return nil
}

// ID identifies the current channel. It is empty when the session is not started and changes on every Start.
func (s *Session) ID() string { return s.id }

func (s *Session) Started() bool { return s.channel != nil }

func (s *Session) Connection() Connection { return s.conn }

// RegisterLogger adds a function that receives every log line of the session.
func (s *Session) RegisterLogger(f LoggerFunc) error {
	if f == nil {
		return invalidArg("register logger", "nil logger")
	}
	s.loggers.funcs = append(s.loggers.funcs, f)
	return nil
}

func (s *Session) TerminalSize() (width, height int) { return s.termWidth, s.termHeight }

// SetTerminalSize sets the geometry requested by the next Start. It does not resize an open channel.
func (s *Session) SetTerminalSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return invalidArg("set terminal size", "terminal size must be positive, got %dx%d", width, height)
	}
	s.termWidth, s.termHeight = width, height
	return nil
}

func (s *Session) TerminalUnit() TerminalUnit { return s.termUnit }

func (s *Session) SetTerminalUnit(u TerminalUnit) error {
	if !u.valid() {
		return invalidArg("set terminal unit", "unknown terminal unit %s", u)
	}
	s.termUnit = u
	return nil
}

func (s *Session) TerminalType() string { return s.termType }

func (s *Session) SetTerminalType(t string) error {
	if t == "" {
		return invalidArg("set terminal type", "empty terminal type")
	}
	s.termType = t
	return nil
}

// Env returns a copy of the environment variables sent when the shell is opened.
func (s *Session) Env() map[string]string {
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	return env
}

func (s *Session) SetEnv(name, value string) error {
	if name == "" {
		return invalidArg("set env", "empty variable name")
	}
	s.env[name] = value
	return nil
}

func (s *Session) UnsetEnv(name string) {
	delete(s.env, name)
}

// SetEnvVars replaces all environment variables.
func (s *Session) SetEnvVars(env map[string]string) error {
	for k := range env {
		if k == "" {
			return invalidArg("set env vars", "empty variable name")
		}
	}
	s.env = make(map[string]string, len(env))
	for k, v := range env {
		s.env[k] = v
	}
	return nil
}

func (s *Session) HaltDelay() time.Duration { return s.halt }

func (s *Session) SetHaltDelay(d time.Duration) error {
	if d < 0 {
		return invalidArg("set halt delay", "negative halt delay %s", d)
	}
	s.halt = d
	return nil
}

func (s *Session) Timeout() time.Duration { return s.timeout }

// SetTimeout sets the channel read timeout, applying it to the open channel if there is one.
func (s *Session) SetTimeout(d time.Duration) error {
	if d < 0 {
		return invalidArg("set timeout", "negative timeout %s", d)
	}
	s.timeout = d
	if s.channel != nil {
		if err := s.channel.SetTimeout(d); err != nil {
			return fmt.Errorf("setting channel timeout: %w", err)
		}
	}
	return nil
}

func (s *Session) Prompt() string { return s.prompt }

// SetPrompt sets the string the shell prints when it is ready for input. An empty prompt unsets it.
func (s *Session) SetPrompt(p string) { s.prompt = p }

func (s *Session) AutoDetectPrompt() bool { return s.autoDetectPrompt }

func (s *Session) SetAutoDetectPrompt(b bool) { s.autoDetectPrompt = b }

func (s *Session) RecordHistory() bool { return s.recordHistory }

func (s *Session) SetRecordHistory(b bool) { s.recordHistory = b }

// History returns the recorded commands, oldest first.
func (s *Session) History() []*Command { return s.history.Commands() }

func (s *Session) ClearHistory() { s.history.clear() }

func (s *Session) LineTerminator() string { return s.lineTerminator }
