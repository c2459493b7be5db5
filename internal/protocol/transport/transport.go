// Package transport carries protocol exchanges over ZeroMQ REQ/REP sockets.
//
// Ownership boundary:
// - bound reply socket for the engine (Replier)
// - one-request-per-socket exchanges for the client (Exchange, Deliver)
//
// A Replier must be owned by a single goroutine: REP enforces strict
// recv/send alternation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
)

var (
	ErrNetwork = errors.New("transport: network error")
	ErrClosed  = errors.New("transport: closed")
	ErrTimeout = errors.New("transport: timed out")
	ErrNoReply = errors.New("transport: empty reply")
)

const (
	DefaultPort    = 4223
	DefaultTimeout = 10 * time.Second
)

// Endpoint renders a ZeroMQ tcp endpoint for host:port. Bracketed IPv6 is
// added when needed.
func Endpoint(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Replier is the engine side of the request/reply channel.
type Replier struct {
	sock     zmq4.Socket
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Listen binds a REP socket. The socket closes when ctx is cancelled or
// Close is called.
func Listen(ctx context.Context, endpoint string) (*Replier, error) {
	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, fmt.Errorf("%w: listen %s: %v", ErrNetwork, endpoint, err)
	}
	bound := endpoint
	if addr := sock.Addr(); addr != nil {
		bound = "tcp://" + addr.String()
	}
	return &Replier{sock: sock, endpoint: bound, ctx: ctx, cancel: cancel}, nil
}

// Endpoint is the bound address, with the real port when 0 was requested.
func (r *Replier) Endpoint() string {
	return r.endpoint
}

// Recv blocks for the next request's frames. It returns ErrClosed once the
// socket has been closed or its context cancelled.
func (r *Replier) Recv() ([][]byte, error) {
	msg, err := r.sock.Recv()
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: recv: %v", ErrNetwork, err)
	}
	return msg.Frames, nil
}

// Reply sends a single-frame reply for the last received request. A
// requester that already hung up yields ErrNetwork, not ErrClosed.
func (r *Replier) Reply(reply string) error {
	if err := r.sock.Send(zmq4.NewMsgString(reply)); err != nil {
		if r.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("%w: send: %v", ErrNetwork, err)
	}
	return nil
}

func (r *Replier) Close() error {
	r.cancel()
	err := r.sock.Close()
	switch {
	case err == nil,
		errors.Is(err, zmq4.ErrClosedConn),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
