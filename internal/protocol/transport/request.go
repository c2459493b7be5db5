package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Options tunes one client exchange.
type Options struct {
	// Timeout bounds dial, send and receive. Zero uses DefaultTimeout.
	Timeout time.Duration
	// DialRetry is the wait between connection attempts.
	DialRetry time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

type result struct {
	reply string
	err   error
}

// Exchange opens a REQ socket to endpoint, sends frames and returns the
// single-frame reply. The socket is closed before returning.
func Exchange(ctx context.Context, endpoint string, frames [][]byte, opts Options) (string, error) {
	return exchange(ctx, endpoint, frames, opts, true)
}

// Deliver sends frames without waiting for the reply.
func Deliver(ctx context.Context, endpoint string, frames [][]byte, opts Options) error {
	_, err := exchange(ctx, endpoint, frames, opts, false)
	return err
}

func exchange(ctx context.Context, endpoint string, frames [][]byte, opts Options, readReply bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	sockOpts := []zmq4.Option{zmq4.WithTimeout(opts.timeout())}
	if opts.DialRetry > 0 {
		sockOpts = append(sockOpts, zmq4.WithDialerRetry(opts.DialRetry))
	}
	sock := zmq4.NewReq(ctx, sockOpts...)
	defer sock.Close()

	done := make(chan result, 1)
	go func() {
		if err := sock.Dial(endpoint); err != nil {
			done <- result{err: fmt.Errorf("%w: dial %s: %v", ErrNetwork, endpoint, err)}
			return
		}
		if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			done <- result{err: fmt.Errorf("%w: send %s: %v", ErrNetwork, endpoint, err)}
			return
		}
		if !readReply {
			done <- result{}
			return
		}
		msg, err := sock.Recv()
		if err != nil {
			done <- result{err: fmt.Errorf("%w: recv %s: %v", ErrNetwork, endpoint, err)}
			return
		}
		if len(msg.Frames) == 0 {
			done <- result{err: fmt.Errorf("%w: %s", ErrNoReply, endpoint)}
			return
		}
		done <- result{reply: string(msg.Frames[0])}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w: %s: %v", ErrNetwork, ErrTimeout, endpoint, ctx.Err())
	}
}
