/*
Package shell runs commands over an interactive shell channel and recovers the output of each one.

An interactive shell gives no framing: the channel carries the echoed command, its output and the next prompt as one undifferentiated byte stream.
A Session recovers per-command output with three protocols that differ only in how they decide the output is complete:

  - Execute waits for the halt delay and returns whatever is available.
  - ExecuteAndReadUntil reads until a caller-provided needle appears.
  - ExecuteAndWaitForPrompt reads until the session prompt appears, then removes it from the response.

All three remove the command's own echo from the start of the response, but only when the response starts with the exact command text.
If the remote host emits anything before the echo (a carriage return, an escape sequence), the echo is left in place.

Each execution produces a Command, which is locked once its response is recorded and can't be changed or executed again.

A Session is not safe for concurrent use. Only one command may be in flight at a time; callers that share a session must serialize access.

The wait step defaults to a fixed sleep of the halt delay.
ReadinessWait returns early on channels that implement stream.ReadinessWaiter.
*/
package shell
