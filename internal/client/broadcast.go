package client

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/autofab/internal/observability"
	"github.com/danmuck/autofab/internal/protocol"
	"github.com/danmuck/autofab/internal/protocol/transport"
)

// Result is the outcome for one peer.
type Result struct {
	Target Target
	Reply  string
	Err    error
}

// Report collects per-peer results in the order they completed.
type Report struct {
	mu      sync.Mutex
	Results []Result
}

func (r *Report) add(res Result) {
	r.mu.Lock()
	r.Results = append(r.Results, res)
	r.mu.Unlock()
}

func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type LaunchOptions struct {
	// RegisterFirst sends REGISTER to each peer before its LAUNCH.
	RegisterFirst bool
	// SwallowErrors logs a peer failure and continues; otherwise the first
	// failure aborts the broadcast.
	SwallowErrors bool
}

// LaunchOnAllPeers signs command once and sends it to each peer in turn.
func (c *Client) LaunchOnAllPeers(ctx context.Context, command string, opts LaunchOptions) (*Report, error) {
	tokens := Tokenize(command)
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoPeers
	}

	local := c.LocalAddress()
	sig, err := c.id.Sign(protocol.CanonicalPayload(local, tokens))
	if err != nil {
		return nil, err
	}
	req := protocol.NewLaunch(sig, local, tokens)
	c.log.Info().Str("claimed", local).Strs("tokens", tokens).Int("peers", len(targets)).Msg("launching")

	report := &Report{}
	for _, t := range targets {
		res := c.launchOne(ctx, t, req, opts.RegisterFirst)
		report.add(res)
		if res.Err == nil {
			c.log.Info().Str("peer", t.String()).Msg("launched")
			continue
		}
		if !opts.SwallowErrors {
			return report, res.Err
		}
		c.log.Error().Err(res.Err).Str("peer", t.String()).Msg("launch failed")
	}
	return report, nil
}

func (c *Client) launchOne(ctx context.Context, t Target, req protocol.Request, register bool) Result {
	if register {
		if err := c.RegisterWith(ctx, t); err != nil {
			return Result{Target: t, Err: err}
		}
	}
	reply, err := c.exchange(ctx, t, req)
	if err != nil {
		err = fmt.Errorf("launch on %s: %w", t, err)
	}
	return Result{Target: t, Reply: reply, Err: err}
}

// ShutdownAllPeers sends SHUTDOWN (or KILL when force) to every peer in
// parallel. KILL is delivered without reading the reply.
func (c *Client) ShutdownAllPeers(ctx context.Context, force, swallowErrors bool) (*Report, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoPeers
	}

	req := protocol.Terminate(force)
	report := &Report{}
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res := c.terminateOne(ctx, t, req, force)
			report.add(res)
			if res.Err == nil {
				c.log.Info().Str("peer", t.String()).Str("tag", string(req.Tag)).Msg("terminate sent")
				return nil
			}
			c.log.Error().Err(res.Err).Str("peer", t.String()).Msg("terminate failed")
			if swallowErrors {
				return nil
			}
			return res.Err
		})
	}
	return report, g.Wait()
}

func (c *Client) terminateOne(ctx context.Context, t Target, req protocol.Request, force bool) Result {
	if force {
		err := transport.Deliver(ctx, t.Endpoint(), req.Frames(), c.options())
		observability.RecordClientRequest(string(req.Tag), err == nil)
		if err != nil {
			err = fmt.Errorf("kill on %s: %w", t, err)
		}
		return Result{Target: t, Err: err}
	}
	reply, err := c.exchange(ctx, t, req)
	if err != nil {
		err = fmt.Errorf("shutdown on %s: %w", t, err)
	}
	return Result{Target: t, Reply: reply, Err: err}
}
