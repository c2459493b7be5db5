package engine

import (
	"errors"
	"time"

	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/events"
	"github.com/danmuck/autofab/internal/observability"
	"github.com/danmuck/autofab/internal/process"
	"github.com/danmuck/autofab/internal/protocol"
)

// Dispatch handles one request and returns the reply to send. Every input,
// including unknown tags and malformed frame sets, yields exactly one reply.
// Calls must come from a single goroutine, as Serve does.
func (e *Engine) Dispatch(frames [][]byte) string {
	_, reply := e.dispatch(frames)
	return reply
}

func (e *Engine) dispatch(frames [][]byte) (string, string) {
	req, err := protocol.Decode(frames)
	if err != nil {
		tag := string(req.Tag)
		if !req.Tag.Known() {
			tag = "unknown"
		}
		e.log.Warn().Err(err).Int("frames", len(frames)).Msg("rejected request")
		return tag, protocol.ReplyError
	}

	switch req.Tag {
	case protocol.TagHello:
		return string(req.Tag), protocol.ReplyWorld
	case protocol.TagRegister:
		return string(req.Tag), e.handleRegister(*req.Register)
	case protocol.TagLaunch:
		return string(req.Tag), e.handleLaunch(*req.Launch)
	case protocol.TagShutdown:
		e.terminateAll(false)
		return string(req.Tag), protocol.ReplyShutdownOK
	case protocol.TagKill:
		e.terminateAll(true)
		return string(req.Tag), protocol.ReplyKillOK
	}
	return "unknown", protocol.ReplyError
}

func (e *Engine) handleRegister(r protocol.RegisterRequest) string {
	if !e.RegistrationEnabled() {
		e.log.Info().Str("host", r.Address).Msg("registration disabled, ignoring REGISTER")
		return protocol.ReplyRegisterIgnore
	}
	path, err := e.trust.Register(r.Address, r.PublicKey)
	if err != nil {
		e.log.Warn().Err(err).Str("host", r.Address).Msg("register failed")
		return protocol.ReplyRegisterFail
	}
	e.log.Info().Str("host", r.Address).Str("path", path).Msg("host registered")
	e.events.Publish(events.Event{Kind: events.HostRegistered, Node: e.cfg.Node, Host: r.Address, Time: time.Now().UTC()})
	return protocol.ReplyRegisterOK
}

func (e *Engine) handleLaunch(l protocol.LaunchRequest) string {
	if err := e.trust.Verify(l.Host, l.Payload(), l.Signature); err != nil {
		reason := "unauthorized"
		if errors.Is(err, auth.ErrUntrusted) {
			reason = "untrusted"
		}
		e.log.Warn().Err(err).Str("host", l.Host).Str("reason", reason).Msg("launch rejected")
		e.events.Publish(events.Event{
			Kind:  events.LaunchRejected,
			Node:  e.cfg.Node,
			Host:  l.Host,
			Error: reason,
			Time:  time.Now().UTC(),
		})
		return protocol.ReplyLaunchFail
	}

	e.log.Info().Str("host", l.Host).Strs("tokens", l.Tokens).Msg("launch accepted")
	e.events.Publish(events.Event{
		Kind:    events.LaunchAccepted,
		Node:    e.cfg.Node,
		Host:    l.Host,
		Program: l.Tokens[0],
		Time:    time.Now().UTC(),
	})

	launch := process.Launch{Host: l.Host, Tokens: append([]string(nil), l.Tokens...)}
	e.spawns.Go(func() error {
		e.spawn(launch)
		return nil
	})
	return protocol.ReplyLaunchOK
}

// spawn runs on the pool. Failures are logged and published only; the
// requester already has its reply.
func (e *Engine) spawn(l process.Launch) {
	h, err := e.spawner.Spawn(l)
	if err != nil {
		e.log.Error().Err(err).Str("host", l.Host).Msg("spawn failed")
		observability.RecordSpawnFailure(e.cfg.Node)
		e.events.Publish(events.Event{
			Kind:    events.ProcessSpawnFailed,
			Node:    e.cfg.Node,
			Host:    l.Host,
			Program: l.Tokens[0],
			Error:   err.Error(),
			Time:    time.Now().UTC(),
		})
		return
	}
	e.registry.Track(h)
	observability.SetProcessesTracked(e.cfg.Node, e.registry.Len())
	e.events.Publish(events.Event{
		Kind:    events.ProcessStarted,
		Node:    e.cfg.Node,
		Host:    l.Host,
		Program: l.Tokens[0],
		PID:     h.PID(),
		Time:    time.Now().UTC(),
	})
}

func (e *Engine) processExited(h *process.Handle, l process.Launch, code int) {
	e.events.Publish(events.Event{
		Kind:     events.ProcessExited,
		Node:     e.cfg.Node,
		Host:     l.Host,
		Program:  l.Tokens[0],
		PID:      h.PID(),
		ExitCode: &code,
		Time:     time.Now().UTC(),
	})
}

// terminateAll first drains in-flight spawns so every launch already
// answered with LAUNCH EPIC OK is tracked before signaling.
func (e *Engine) terminateAll(force bool) {
	_ = e.spawns.Wait()
	res := e.registry.TerminateAll(force)
	observability.RecordTerminations(e.cfg.Node, force, res.Signaled)
	observability.SetProcessesTracked(e.cfg.Node, res.Remaining)
	e.events.Publish(events.Event{
		Kind:  events.ProcessesTerminated,
		Node:  e.cfg.Node,
		Force: force,
		Count: res.Signaled,
		Time:  time.Now().UTC(),
	})
}

func (e *Engine) observe(tag, reply string, d time.Duration) {
	observability.RecordProtocolRequest(e.cfg.Node, tag, reply, d)
	e.log.Debug().Str("tag", tag).Str("reply", reply).Dur("duration", d).Msg("request served")
}
