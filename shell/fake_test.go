package shell

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/guseggert/shellsession/stream"
)

// fakeChannel replays scripted reads and records everything written to it.
type fakeChannel struct {
	reads      []string
	readErr    error
	writeErr   error
	timeoutErr error
	closeErr   error

	written  bytes.Buffer
	flushes  int
	closes   int
	timeout  time.Duration
	closed   bool
	readCall []readCall
}

type readCall struct {
	until     bool
	needle    string
	limit     int
	strip     bool
	chunkSize int
	observers int
}

func (f *fakeChannel) pop(limit int) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.reads) == 0 {
		return nil, stream.ErrTimeout
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	if limit > 0 && len(r) > limit {
		f.reads = append([]string{r[limit:]}, f.reads...)
		r = r[:limit]
	}
	return []byte(r), nil
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakeChannel) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeChannel) Read(limit int) ([]byte, error) {
	f.readCall = append(f.readCall, readCall{limit: limit})
	return f.pop(limit)
}

func (f *fakeChannel) ReadUntil(needle []byte, limit int, stripNeedle bool, observers []stream.Observer, chunkSize int) ([]byte, error) {
	f.readCall = append(f.readCall, readCall{
		until:     true,
		needle:    string(needle),
		limit:     limit,
		strip:     stripNeedle,
		chunkSize: chunkSize,
		observers: len(observers),
	})
	b, err := f.pop(limit)
	if err != nil {
		return nil, err
	}
	if i := bytes.Index(b, needle); i >= 0 {
		end := i + len(needle)
		if end < len(b) {
			f.reads = append([]string{string(b[end:])}, f.reads...)
		}
		b = b[:end]
		if stripNeedle {
			b = b[:i]
		}
	}
	for _, o := range observers {
		o("fake", len(b), limit, b, nil, 0)
	}
	return b, nil
}

func (f *fakeChannel) IsConnected() bool { return !f.closed }

func (f *fakeChannel) SetTimeout(d time.Duration) error {
	if d < 0 {
		return errors.New("negative timeout")
	}
	if f.timeoutErr != nil {
		return f.timeoutErr
	}
	f.timeout = d
	return nil
}

func (f *fakeChannel) Close() error {
	f.closes++
	f.closed = true
	return f.closeErr
}

// fakeConnection hands out scripted channels in order.
type fakeConnection struct {
	connected bool
	openErr   error
	nilShell  bool
	channels  []*fakeChannel
	requests  []ShellRequest
}

func (f *fakeConnection) IsConnected() bool { return f.connected }

func (f *fakeConnection) OpenShell(ctx context.Context, req ShellRequest) (stream.ByteChannel, error) {
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.nilShell || len(f.channels) == 0 {
		return nil, nil
	}
	ch := f.channels[0]
	f.channels = f.channels[1:]
	return ch, nil
}

func newFakeConnection(channels ...*fakeChannel) *fakeConnection {
	return &fakeConnection{connected: true, channels: channels}
}
