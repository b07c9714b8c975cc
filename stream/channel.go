package stream

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when no data arrived within the channel timeout.
	ErrTimeout = errors.New("stream: read timed out")
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("stream: channel closed")
	// ErrEmptyNeedle is returned by ReadUntil when called without a terminator.
	ErrEmptyNeedle = errors.New("stream: empty needle")
)

// DefaultChunkSize is the read granularity used by ReadUntil when the caller passes 0.
const DefaultChunkSize = 1024

// Observer is notified as ReadUntil makes progress.
// index is the number of bytes read so far, total is the read limit (0 if unbounded).
// Exactly one of data and err is set.
type Observer func(label string, index, total int, data []byte, err error, elapsed time.Duration)

// ByteChannel is a duplex byte stream to an interactive shell.
type ByteChannel interface {
	Write(p []byte) (int, error)
	Flush() error

	// Read blocks until data is available, then returns everything that is immediately available, up to limit bytes.
	// A limit of 0 means no limit.
	// If nothing arrives before the timeout, it returns ErrTimeout.
	Read(limit int) ([]byte, error)

	// ReadUntil reads until needle is seen, limit bytes have been read, or the channel times out or hits EOF.
	// A timeout or EOF after some data was read ends the read without an error.
	// stripNeedle controls whether the needle is included in the returned bytes.
	ReadUntil(needle []byte, limit int, stripNeedle bool, observers []Observer, chunkSize int) ([]byte, error)

	IsConnected() bool
	SetTimeout(d time.Duration) error
	Close() error
}

// ReadinessWaiter is implemented by channels that can report when data is ready to be read.
type ReadinessWaiter interface {
	// WaitReadable returns true as soon as a read would not block, or false after d elapses.
	WaitReadable(d time.Duration) bool
}
