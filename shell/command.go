package shell

import (
	"time"
)

// Command is one request/response exchange with the shell.
// It is mutable until the Session that executes it records the response, after which it is locked for good.
type Command struct {
	text      string
	response  string
	startTime time.Time
	endTime   time.Time
	locked    bool
	session   *Session
}

func NewCommand(text string) *Command {
	return &Command{text: text}
}

func (c *Command) Text() string { return c.text }

func (c *Command) SetText(text string) error {
	if c.locked {
		return invalidArg("set command text", "command %q is locked", c.text)
	}
	c.text = text
	return nil
}

func (c *Command) Response() string { return c.response }

func (c *Command) SetResponse(response string) error {
	if c.locked {
		return invalidArg("set response", "command %q is locked", c.text)
	}
	c.response = response
	return nil
}

func (c *Command) StartTime() time.Time { return c.startTime }

func (c *Command) SetStartTime(t time.Time) error {
	if c.locked {
		return invalidArg("set start time", "command %q is locked", c.text)
	}
	c.startTime = t
	return nil
}

func (c *Command) EndTime() time.Time { return c.endTime }

func (c *Command) SetEndTime(t time.Time) error {
	if c.locked {
		return invalidArg("set end time", "command %q is locked", c.text)
	}
	c.endTime = t
	return nil
}

// Duration is the time between writing the command and recording its response.
func (c *Command) Duration() time.Duration {
	if c.startTime.IsZero() || c.endTime.IsZero() {
		return 0
	}
	return c.endTime.Sub(c.startTime)
}

func (c *Command) Locked() bool { return c.locked }

// Session returns the session that executed the command, or nil if it hasn't been executed.
func (c *Command) Session() *Session { return c.session }

func (c *Command) lock() { c.locked = true }

func (c *Command) String() string { return c.text }
