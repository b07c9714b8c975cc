package shell

import (
	"context"
	"time"

	"github.com/guseggert/shellsession/stream"
)

// Waiter decides how long to wait between writing a command and reading its response.
type Waiter interface {
	Wait(ctx context.Context, ch stream.ByteChannel, halt time.Duration) error
}

// FixedDelay sleeps for the halt delay.
// It is the default Waiter.
type FixedDelay struct{}

func (FixedDelay) Wait(ctx context.Context, ch stream.ByteChannel, halt time.Duration) error {
	if halt <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(halt)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadinessWait returns as soon as the channel has data, waiting at most the halt delay.
// Channels that don't implement stream.ReadinessWaiter get a fixed delay.
type ReadinessWait struct{}

func (ReadinessWait) Wait(ctx context.Context, ch stream.ByteChannel, halt time.Duration) error {
	rw, ok := ch.(stream.ReadinessWaiter)
	if !ok {
		return FixedDelay{}.Wait(ctx, ch, halt)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rw.WaitReadable(halt)
	return ctx.Err()
}
