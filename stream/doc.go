/*
Package stream provides the byte channel that interactive shell sessions run over.

A shell channel is an unframed, bidirectional stream of bytes: nothing on the wire says where the output of one command ends and the next begins.
ByteChannel is the contract the shell engine consumes, and Stream implements it on top of any io.Reader/io.Writer pair (an SSH session, a hijacked Docker exec connection, a WebSocket net.Conn, a local process pipe).

Stream runs a single goroutine that reads from the underlying reader and hands chunks to callers. This lets reads honor a timeout even when the reader itself has no deadline support.
Timeouts are idle timeouts: they bound the wait for the next chunk, not the whole read.

ReadUntil is the primitive that makes prompt-terminated reads possible. It accumulates chunks until the needle shows up, the limit is hit, or the channel times out or closes.
Bytes that arrive after the needle in the same chunk are pushed back and returned by the next read.
*/
package stream
