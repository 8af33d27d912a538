package perception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/constants"
)

// Policy is the bounded reconnect policy of a monitor.
// A fresh call to Run starts with a fresh retry counter.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultPolicy returns 3 reconnects with a fixed 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: constants.DefaultMonitorMaxRetries,
		Backoff:    constants.DefaultMonitorBackoff,
	}
}

// Hooks are optional callbacks fired as the connection comes and goes.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func(retry int, err error)
}

// Handler consumes one inbound message. Returning stop=true ends Run successfully;
// a non-nil error ends Run with that error and is not retried.
type Handler func(raw []byte) (stop bool, err error)

// Run keeps a channel to endpoint open and feeds every message to handle.
//
// Dial failures and unexpected closures are retried up to MaxRetries times, waiting
// Backoff before each retry; after that Run returns an error wrapping ErrConnection.
// A *RemoteError from the handler or a cancelled ctx end Run immediately.
func (p Policy) Run(ctx context.Context, opener Opener, endpoint string, hooks Hooks, handle Handler) error {
	retries := 0
	for {
		err := p.session(ctx, opener, endpoint, hooks, handle)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			return err
		}

		if retries >= p.MaxRetries {
			return fmt.Errorf("%w after %d retries: %v", ErrConnection, retries, err)
		}
		retries++
		if hooks.OnDisconnect != nil {
			hooks.OnDisconnect(retries, err)
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var errDial = errors.New("dial failed")

// session runs one connection from open to close.
func (p Policy) session(ctx context.Context, opener Opener, endpoint string, hooks Hooks, handle Handler) error {
	stream, err := opener.Open(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errDial, err)
	}
	defer stream.Close()

	if hooks.OnConnect != nil {
		hooks.OnConnect()
	}

	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				// Closed underneath us without being asked to stop.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrUnexpectedClose, err)
			}
			return err
		}
		stop, err := handle(raw)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}
