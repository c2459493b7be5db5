package client

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/discovery"
	"github.com/danmuck/autofab/internal/engine"
	"github.com/danmuck/autofab/internal/protocol/transport"
	"github.com/danmuck/autofab/internal/testutil/testlog"
)

type node struct {
	engine *engine.Engine
	trust  *auth.TrustStore
	addr   string
}

func startNode(t *testing.T, registration bool) *node {
	t.Helper()
	dir := t.TempDir()
	trust := auth.NewTrustStore(dir)

	cfg := engine.DefaultConfig()
	cfg.Node = "client-test"
	cfg.Endpoint = "tcp://127.0.0.1:0"
	cfg.RegistrationEnabled = registration
	cfg.ShutdownGrace = 2 * time.Second
	cfg.LogDir = engine.LogDirFor(dir)
	cfg.WorkDir = dir

	e, err := engine.New(cfg, trust)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = e.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		e.Processes().TerminateAll(true)
		cancel()
		<-done
	})
	return &node{engine: e, trust: trust, addr: strings.TrimPrefix(e.Endpoint(), "tcp://")}
}

func newClient(t *testing.T, nodes ...*node) *Client {
	t.Helper()
	id, err := auth.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	entries := make([]string, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, n.addr)
	}
	src, err := discovery.NewStatic(entries, transport.DefaultPort)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	cfg := DefaultConfig()
	cfg.AdvertiseAddr = "127.0.0.1"
	cfg.RequestTimeout = 5 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2}
	return New(id, src, cfg)
}

func target(t *testing.T, n *node) Target {
	t.Helper()
	host, portText, err := net.SplitHostPort(n.addr)
	if err != nil {
		t.Fatalf("split %q: %v", n.addr, err)
	}
	port, _ := strconv.Atoi(portText)
	return Target{Name: host, Address: host, Port: port}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHello(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, false)
	c := newClient(t, n)
	if err := c.Hello(context.Background(), target(t, n)); err != nil {
		t.Fatalf("hello: %v", err)
	}
}

func TestRegisterWith(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, true)
	c := newClient(t, n)

	if err := c.RegisterWith(context.Background(), target(t, n)); err != nil {
		t.Fatalf("register: %v", err)
	}
	pub, err := n.trust.Lookup("127.0.0.1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !pub.Equal(c.id.Public) {
		t.Fatalf("peer stored a different key")
	}
}

func TestRegisterWithDisabledPeerFails(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, false)
	c := newClient(t, n)
	err := c.RegisterWith(context.Background(), target(t, n))
	if !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}
	if !strings.Contains(err.Error(), "REGISTER IGNORE") {
		t.Fatalf("expected reply in error, got %v", err)
	}
}

func TestLaunchOnAllPeersRegisterFirst(t *testing.T) {
	testlog.Start(t)
	a := startNode(t, true)
	b := startNode(t, true)
	c := newClient(t, a, b)

	report, err := c.LaunchOnAllPeers(context.Background(), "  sleep   30 ", LaunchOptions{RegisterFirst: true})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(report.Results) != 2 || report.Failed() != 0 {
		t.Fatalf("unexpected report %+v", report.Results)
	}
	for _, n := range []*node{a, b} {
		n := n
		waitFor(t, "tracked process", func() bool { return n.engine.Processes().Alive() == 1 })
	}
}

func TestLaunchWithoutRegistrationFails(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, true)
	c := newClient(t, n)

	_, err := c.LaunchOnAllPeers(context.Background(), "true", LaunchOptions{})
	if !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}
	if n.engine.Processes().Len() != 0 {
		t.Fatalf("rejected launch must not spawn")
	}
}

func TestLaunchSwallowErrorsContinues(t *testing.T) {
	testlog.Start(t)
	refusing := startNode(t, false)
	accepting := startNode(t, true)
	c := newClient(t, refusing, accepting)

	report, err := c.LaunchOnAllPeers(context.Background(), "sleep 30", LaunchOptions{RegisterFirst: true, SwallowErrors: true})
	if err != nil {
		t.Fatalf("swallowed launch returned error: %v", err)
	}
	if len(report.Results) != 2 || report.Failed() != 1 {
		t.Fatalf("expected one failure of two, got %+v", report.Results)
	}
	waitFor(t, "launch on accepting peer", func() bool { return accepting.engine.Processes().Alive() == 1 })
}

func TestLaunchAbortsOnFirstFailure(t *testing.T) {
	testlog.Start(t)
	refusing := startNode(t, false)
	accepting := startNode(t, true)
	c := newClient(t, refusing, accepting)

	report, err := c.LaunchOnAllPeers(context.Background(), "sleep 30", LaunchOptions{RegisterFirst: true})
	if !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected abort after first peer, got %+v", report.Results)
	}
	if accepting.engine.Processes().Len() != 0 {
		t.Fatalf("second peer must not be contacted")
	}
}

func TestShutdownAllPeers(t *testing.T) {
	for _, force := range []bool{false, true} {
		force := force
		t.Run(strconv.FormatBool(force), func(t *testing.T) {
			testlog.Start(t)
			a := startNode(t, true)
			b := startNode(t, true)
			c := newClient(t, a, b)

			if _, err := c.LaunchOnAllPeers(context.Background(), "sleep 30", LaunchOptions{RegisterFirst: true}); err != nil {
				t.Fatalf("launch: %v", err)
			}
			for _, n := range []*node{a, b} {
				n := n
				waitFor(t, "tracked process", func() bool { return n.engine.Processes().Alive() == 1 })
			}

			report, err := c.ShutdownAllPeers(context.Background(), force, false)
			if err != nil {
				t.Fatalf("shutdown: %v", err)
			}
			if len(report.Results) != 2 || report.Failed() != 0 {
				t.Fatalf("unexpected report %+v", report.Results)
			}
			for _, n := range []*node{a, b} {
				n := n
				waitFor(t, "empty registry", func() bool { return n.engine.Processes().Len() == 0 })
			}
			if !force {
				for _, res := range report.Results {
					if res.Reply != "SHUTDOWN EPIC OK" {
						t.Fatalf("unexpected reply %q", res.Reply)
					}
				}
			}
		})
	}
}

func TestShutdownSwallowsUnreachablePeer(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, true)
	id, _ := auth.GenerateIdentity()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	src, _ := discovery.NewStatic([]string{dead, n.addr}, transport.DefaultPort)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	c := New(id, src, cfg)

	report, err := c.ShutdownAllPeers(context.Background(), false, true)
	if err != nil {
		t.Fatalf("swallowed shutdown returned error: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected one failure, got %+v", report.Results)
	}

	if _, err := c.ShutdownAllPeers(context.Background(), false, false); !errors.Is(err, transport.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestBroadcastPreconditions(t *testing.T) {
	testlog.Start(t)
	id, _ := auth.GenerateIdentity()
	empty := New(id, discovery.NewDirectory(), DefaultConfig())
	if _, err := empty.LaunchOnAllPeers(context.Background(), "true", LaunchOptions{}); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	if _, err := empty.ShutdownAllPeers(context.Background(), true, true); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	if _, err := empty.LaunchOnAllPeers(context.Background(), "   ", LaunchOptions{}); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestListPeersAndTargets(t *testing.T) {
	testlog.Start(t)
	id, _ := auth.GenerateIdentity()
	dir := discovery.NewDirectory()
	dir.Apply(discovery.Event{Kind: discovery.Resolved, Peer: discovery.Peer{Name: "a", Addrs: []string{"10.0.0.1", "fe80::1"}, Port: 5000}})
	dir.Apply(discovery.Event{Kind: discovery.Resolved, Peer: discovery.Peer{Name: "b", Addrs: []string{"10.0.0.2"}}})
	dir.Apply(discovery.Event{Kind: discovery.Added, Peer: discovery.Peer{Name: "pending"}})
	c := New(id, dir, DefaultConfig())

	addrs, err := c.ListPeers(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(addrs, ",") != "10.0.0.1,fe80::1,10.0.0.2" {
		t.Fatalf("unexpected addresses %v", addrs)
	}

	targets, _ := c.Targets(context.Background())
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %+v", targets)
	}
	if targets[0].Endpoint() != "tcp://10.0.0.1:5000" || targets[1].Endpoint() != "tcp://10.0.0.2:4223" {
		t.Fatalf("unexpected endpoints %s %s", targets[0].Endpoint(), targets[1].Endpoint())
	}
}

func TestTargetFor(t *testing.T) {
	testlog.Start(t)
	id, _ := auth.GenerateIdentity()
	c := New(id, nil, DefaultConfig())
	tgt, err := c.TargetFor("10.0.0.5")
	if err != nil || tgt.Endpoint() != "tcp://10.0.0.5:4223" {
		t.Fatalf("unexpected target %+v err=%v", tgt, err)
	}
	if _, err := c.TargetFor("10.0.0.5:0"); !errors.Is(err, discovery.ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer, got %v", err)
	}
}

func TestLocalAddress(t *testing.T) {
	testlog.Start(t)
	id, _ := auth.GenerateIdentity()

	fixed := New(id, nil, Config{AdvertiseAddr: "192.0.2.10"})
	if got := fixed.LocalAddress(); got != "192.0.2.10" {
		t.Fatalf("expected configured address, got %q", got)
	}
	if got := ProbeLocalAddress("not a probe address"); got != "127.0.0.1" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := ProbeLocalAddress("127.0.0.1:10002"); got != "127.0.0.1" {
		t.Fatalf("expected loopback for loopback probe, got %q", got)
	}
}

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 250 * time.Millisecond},
		{attempt: 2, want: 500 * time.Millisecond},
		{attempt: 3, want: time.Second},
		{attempt: 6, want: 5 * time.Second},
	}
	for _, tc := range tests {
		if got := backoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	got := backoffDelay(cfg, 3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestRetryOnlyRetriesNetworkErrors(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond}

	calls := 0
	err := retry(context.Background(), 3, cfg, nil, func() error {
		calls++
		return transport.ErrNetwork
	})
	if !errors.Is(err, transport.ErrNetwork) || calls != 3 {
		t.Fatalf("expected 3 network attempts, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = retry(context.Background(), 3, cfg, nil, func() error {
		calls++
		return ErrUnexpectedReply
	})
	if !errors.Is(err, ErrUnexpectedReply) || calls != 1 {
		t.Fatalf("explicit reply must not be retried, calls=%d err=%v", calls, err)
	}

	calls = 0
	err = retry(context.Background(), 3, cfg, nil, func() error {
		calls++
		if calls < 2 {
			return transport.ErrNetwork
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on retry, calls=%d err=%v", calls, err)
	}
}
