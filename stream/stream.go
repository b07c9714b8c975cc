package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// readBufSize is the size of the buffer handed to the underlying reader.
const readBufSize = 32768

// Stream is a ByteChannel over an arbitrary reader and writer.
type Stream struct {
	log   *zap.SugaredLogger
	label string

	r io.Reader
	w io.Writer
	c io.Closer

	// readMut serializes Read, ReadUntil and WaitReadable, and guards pending.
	readMut sync.Mutex
	pending []byte
	chunks  chan []byte

	writeMut sync.Mutex

	stateMut sync.Mutex
	readErr  error
	closed   bool
	timeout  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(s *Stream)

func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) {
		s.log = l.Named("stream").Sugar()
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Stream) {
		s.timeout = d
	}
}

// New starts reading from r in the background and returns a Stream that writes to w.
// c is closed by Close and should unblock any pending read on r. It may be nil.
// The label identifies the stream in logs and observer callbacks.
func New(label string, r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Stream {
	s := &Stream{
		log:    zap.NewNop().Sugar(),
		label:  label,
		r:      r,
		w:      w,
		c:      c,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.readLoop()
	return s
}

func (s *Stream) Label() string { return s.label }

func (s *Stream) readLoop() {
	defer close(s.chunks)
	for {
		buf := make([]byte, readBufSize)
		n, err := s.r.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.log.Debugw("reader stopped", "Label", s.label, "Error", err)
			s.stateMut.Lock()
			s.readErr = err
			s.stateMut.Unlock()
			return
		}
	}
}

// endErr is the error reported once the reader goroutine has stopped.
func (s *Stream) endErr() error {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return ErrClosed
}

// next returns up to max bytes (all pending bytes if max is 0).
// When block is false it returns no data and no error if nothing is ready.
// Callers must hold readMut.
func (s *Stream) next(max int, timeout <-chan time.Time, block bool) ([]byte, error) {
	if len(s.pending) == 0 {
		var (
			chunk []byte
			ok    bool
		)
		if block {
			select {
			case chunk, ok = <-s.chunks:
			case <-timeout:
				return nil, ErrTimeout
			case <-s.done:
				return nil, ErrClosed
			}
		} else {
			select {
			case chunk, ok = <-s.chunks:
			default:
				return nil, nil
			}
		}
		if !ok {
			return nil, s.endErr()
		}
		s.pending = chunk
	}
	n := len(s.pending)
	if max > 0 && n > max {
		n = max
	}
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out, nil
}

// unread pushes p back in front of any pending bytes. Callers must hold readMut.
func (s *Stream) unread(p []byte) {
	if len(p) == 0 {
		return
	}
	b := make([]byte, 0, len(p)+len(s.pending))
	b = append(b, p...)
	s.pending = append(b, s.pending...)
}

// idleTimer returns a channel that fires after the configured timeout, or nil if there is no timeout.
func (s *Stream) idleTimer() (<-chan time.Time, func()) {
	d := s.Timeout()
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

func (s *Stream) Read(limit int) ([]byte, error) {
	if limit < 0 {
		return nil, fmt.Errorf("negative read limit %d", limit)
	}
	s.readMut.Lock()
	defer s.readMut.Unlock()

	timeout, stop := s.idleTimer()
	first, err := s.next(limit, timeout, true)
	stop()
	if err != nil {
		return nil, err
	}

	buf := append([]byte(nil), first...)
	for limit == 0 || len(buf) < limit {
		max := 0
		if limit > 0 {
			max = limit - len(buf)
		}
		// errors here surface on the next read, the data we have is still good
		chunk, err := s.next(max, nil, false)
		if err != nil || len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk...)
	}
	s.log.Debugw("read", "Label", s.label, "Bytes", len(buf), "Limit", limit)
	return buf, nil
}

func (s *Stream) ReadUntil(needle []byte, limit int, stripNeedle bool, observers []Observer, chunkSize int) ([]byte, error) {
	if len(needle) == 0 {
		return nil, ErrEmptyNeedle
	}
	if limit < 0 {
		return nil, fmt.Errorf("negative read limit %d", limit)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s.readMut.Lock()
	defer s.readMut.Unlock()

	start := time.Now()
	var buf []byte
	for {
		max := chunkSize
		if limit > 0 && limit-len(buf) < max {
			max = limit - len(buf)
		}
		if max <= 0 {
			s.log.Debugw("read limit reached before needle", "Label", s.label, "Limit", limit)
			return buf, nil
		}

		timeout, stop := s.idleTimer()
		chunk, err := s.next(max, timeout, true)
		stop()
		if err != nil {
			s.notify(observers, len(buf), limit, nil, err, time.Since(start))
			if len(buf) > 0 && (errors.Is(err, ErrTimeout) || errors.Is(err, io.EOF)) {
				s.log.Debugw("read ended before needle", "Label", s.label, "Bytes", len(buf), "Error", err)
				return buf, nil
			}
			return nil, err
		}

		// the needle may straddle the previous chunk boundary
		from := len(buf) - len(needle) + 1
		if from < 0 {
			from = 0
		}
		buf = append(buf, chunk...)

		i := bytes.Index(buf[from:], needle)
		if i < 0 {
			s.notify(observers, len(buf), limit, chunk, nil, time.Since(start))
			continue
		}

		end := from + i + len(needle)
		excess := len(buf) - end
		s.unread(buf[end:])
		buf = buf[:end]
		s.notify(observers, len(buf), limit, chunk[:len(chunk)-excess], nil, time.Since(start))
		s.log.Debugw("found needle", "Label", s.label, "Bytes", len(buf), "PushedBack", excess)
		if stripNeedle {
			buf = buf[:end-len(needle)]
		}
		return buf, nil
	}
}

func (s *Stream) notify(observers []Observer, index, total int, data []byte, err error, elapsed time.Duration) {
	for _, o := range observers {
		if o != nil {
			o(s.label, index, total, data, err, elapsed)
		}
	}
}

// WaitReadable blocks until a read would return without waiting, or d elapses.
// Data that arrives while waiting is kept for the next read.
func (s *Stream) WaitReadable(d time.Duration) bool {
	s.readMut.Lock()
	defer s.readMut.Unlock()
	if len(s.pending) > 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			s.pending = chunk
		}
		return true
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	n, err := s.w.Write(p)
	s.log.Debugw("wrote", "Label", s.label, "Bytes", n, "Error", err)
	return n, err
}

// Flush flushes the underlying writer if it buffers.
func (s *Stream) Flush() error {
	if s.isClosed() {
		return ErrClosed
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		s.writeMut.Lock()
		defer s.writeMut.Unlock()
		return f.Flush()
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return s.closed
}

// IsConnected reports whether the stream is open and the reader has not hit EOF or an error.
func (s *Stream) IsConnected() bool {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return !s.closed && s.readErr == nil
}

func (s *Stream) Timeout() time.Duration {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return s.timeout
}

// SetTimeout sets the idle read timeout. 0 disables it.
func (s *Stream) SetTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative timeout %s", d)
	}
	s.stateMut.Lock()
	s.timeout = d
	s.stateMut.Unlock()
	return nil
}

// Close closes the underlying closer. Calling it more than once is a no-op.
// Once the peer has ended the stream, errors from closing our side are logged and dropped.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stateMut.Lock()
		s.closed = true
		readErr := s.readErr
		s.stateMut.Unlock()
		close(s.done)
		if s.c != nil {
			err = s.c.Close()
		}
		if err != nil && readErr != nil {
			s.log.Debugw("ignoring close error, peer already ended the stream", "Label", s.label, "Error", err, "ReadError", readErr)
			err = nil
		}
		s.log.Debugw("closed stream", "Label", s.label, "Error", err)
	})
	return err
}
