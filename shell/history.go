package shell

// History is the ordered log of commands a session has executed.
type History struct {
	commands []*Command
}

func (h *History) append(c *Command) {
	h.commands = append(h.commands, c)
}

func (h *History) clear() {
	h.commands = nil
}

// Commands returns a copy of the recorded commands, oldest first.
func (h *History) Commands() []*Command {
	out := make([]*Command, len(h.commands))
	copy(out, h.commands)
	return out
}

func (h *History) Len() int { return len(h.commands) }

// Last returns the most recently recorded command, or nil.
func (h *History) Last() *Command {
	if len(h.commands) == 0 {
		return nil
	}
	return h.commands[len(h.commands)-1]
}
