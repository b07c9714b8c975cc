package shell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/shellsession/stream"
)

type readFunc func(ch stream.ByteChannel, c *execConfig) ([]byte, error)

// Execute runs text as a new Command, see ExecuteCommand.
func (s *Session) Execute(ctx context.Context, text string, opts ...ExecOption) (*Command, error) {
	return s.ExecuteCommand(ctx, NewCommand(text), opts...)
}

// ExecuteCommand writes the command, waits for the halt delay and reads whatever response is available.
// The returned Command is cmd itself, locked.
func (s *Session) ExecuteCommand(ctx context.Context, cmd *Command, opts ...ExecOption) (*Command, error) {
	const op = "execute"
	cfg, err := s.prepare(op, cmd, opts, nil)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, cmd, cfg, func(ch stream.ByteChannel, c *execConfig) ([]byte, error) {
		return ch.Read(c.maxResponseBytes)
	}, nil)
}

// ExecuteAndReadUntil runs text as a new Command, see ExecuteCommandAndReadUntil.
func (s *Session) ExecuteAndReadUntil(ctx context.Context, text, needle string, opts ...ExecOption) (*Command, error) {
	return s.ExecuteCommandAndReadUntil(ctx, NewCommand(text), needle, opts...)
}

// ExecuteCommandAndReadUntil writes the command and reads until needle appears, the response limit is hit, or the channel times out.
// The needle stays in the response unless WithStripNeedle(true) is passed.
func (s *Session) ExecuteCommandAndReadUntil(ctx context.Context, cmd *Command, needle string, opts ...ExecOption) (*Command, error) {
	const op = "execute and read until"
	cfg, err := s.prepare(op, cmd, opts, func() error {
		if needle == "" {
			return contextErr(op, "needle must not be empty")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.run(ctx, cmd, cfg, readUntil(needle), nil)
}

// ExecuteAndWaitForPrompt runs text as a new Command, see ExecuteCommandAndWaitForPrompt.
func (s *Session) ExecuteAndWaitForPrompt(ctx context.Context, text string, opts ...ExecOption) (*Command, error) {
	return s.ExecuteCommandAndWaitForPrompt(ctx, NewCommand(text), opts...)
}

// ExecuteCommandAndWaitForPrompt reads until the session prompt appears and removes the trailing prompt from the response.
func (s *Session) ExecuteCommandAndWaitForPrompt(ctx context.Context, cmd *Command, opts ...ExecOption) (*Command, error) {
	const op = "execute and wait for prompt"
	prompt := s.prompt
	cfg, err := s.prepare(op, cmd, opts, func() error {
		if prompt == "" {
			return contextErr(op, "no prompt configured")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.run(ctx, cmd, cfg, readUntil(prompt), func(response string) string {
		// the read already removed the prompt
		if cfg.stripNeedle {
			return response
		}
		return strings.TrimSuffix(response, prompt)
	})
}

func readUntil(needle string) readFunc {
	return func(ch stream.ByteChannel, c *execConfig) ([]byte, error) {
		return ch.ReadUntil([]byte(needle), c.maxResponseBytes, c.stripNeedle, c.observers, c.chunkSize)
	}
}

// prepare validates everything an execution needs before any I/O happens.
func (s *Session) prepare(op string, cmd *Command, opts []ExecOption, check func() error) (*execConfig, error) {
	if cmd == nil {
		return nil, invalidArg(op, "nil command")
	}
	if cmd.Locked() {
		return nil, invalidArg(op, "command %q is locked", cmd.Text())
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, err
		}
	}
	cfg, err := newExecConfig(op, opts)
	if err != nil {
		return nil, err
	}
	if s.channel == nil {
		return nil, connectionErr(op, "session is not started")
	}
	if !s.channel.IsConnected() {
		return nil, connectionErr(op, "shell channel is disconnected")
	}
	return cfg, nil
}

func (s *Session) run(ctx context.Context, cmd *Command, cfg *execConfig, read readFunc, finish func(string) string) (*Command, error) {
	ch := s.channel
	cmd.session = s
	cmd.startTime = time.Now()

	_, err := ch.Write([]byte(cmd.text + s.lineTerminator))
	if err != nil {
		return nil, fmt.Errorf("writing command %q: %w", cmd.text, err)
	}
	err = ch.Flush()
	if err != nil {
		return nil, fmt.Errorf("flushing command %q: %w", cmd.text, err)
	}

	halt := s.halt
	if cfg.halt != nil {
		halt = *cfg.halt
	}
	err = s.waiter.Wait(ctx, ch, halt)
	if err != nil {
		return nil, fmt.Errorf("waiting for response to %q: %w", cmd.text, err)
	}

	raw, err := read(ch, cfg)
	if err != nil {
		s.log.Debugw("read failed", "ID", s.id, "Command", cmd.text, "Error", err)
		return nil, fmt.Errorf("reading response to %q: %w", cmd.text, err)
	}

	response := s.stripEcho(cmd.text, string(raw))
	if finish != nil {
		response = finish(response)
	}
	cmd.response = response
	cmd.endTime = time.Now()
	cmd.lock()

	if s.recordHistory {
		s.history.append(cmd)
	}
	s.log.Debugw("executed command", "ID", s.id, "Command", cmd.text, "RawBytes", len(raw), "Duration", cmd.Duration())
	return cmd, nil
}

// stripEcho removes the echoed command and its line break, but only when the response starts with the exact command text.
func (s *Session) stripEcho(text, raw string) string {
	if text == "" || !strings.HasPrefix(raw, text) {
		return raw
	}
	rest := raw[len(text):]
	for _, eol := range []string{"\r\n", s.lineTerminator, "\n"} {
		if strings.HasPrefix(rest, eol) {
			return rest[len(eol):]
		}
	}
	return rest
}
