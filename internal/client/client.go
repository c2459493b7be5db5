// Package client is the initiating side of the autofab protocol.
//
// Ownership boundary:
// - peer target selection from a discovery source
// - REGISTER/HELLO exchanges (retried), LAUNCH broadcast (sequential),
//   SHUTDOWN/KILL broadcast (parallel, bounded)
// - claimed local address selection
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/discovery"
	"github.com/danmuck/autofab/internal/logging"
	"github.com/danmuck/autofab/internal/observability"
	"github.com/danmuck/autofab/internal/protocol"
	"github.com/danmuck/autofab/internal/protocol/transport"
)

var (
	ErrUnexpectedReply = errors.New("client: unexpected reply")
	ErrNoPeers         = errors.New("client: no peers")
	ErrEmptyCommand    = errors.New("client: empty command")
)

const (
	DefaultProbeAddr = "8.8.8.8:10002"
	fallbackAddress  = "127.0.0.1"
)

type Config struct {
	// PeerPort is used for peers that do not carry a port.
	PeerPort int
	// AdvertiseAddr is the claimed address sent in REGISTER/LAUNCH; empty
	// means probe the outbound interface.
	AdvertiseAddr    string
	ProbeAddr        string
	RequestTimeout   time.Duration
	Concurrency      int
	RegisterAttempts int
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		PeerPort:         transport.DefaultPort,
		ProbeAddr:        DefaultProbeAddr,
		RequestTimeout:   transport.DefaultTimeout,
		Concurrency:      8,
		RegisterAttempts: 3,
		Backoff:          DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PeerPort <= 0 {
		c.PeerPort = d.PeerPort
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = d.ProbeAddr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.RegisterAttempts < 1 {
		c.RegisterAttempts = 1
	}
	return c
}

// Target is one peer address the client talks to.
type Target struct {
	Name    string
	Address string
	Port    int
}

func (t Target) Endpoint() string {
	return transport.Endpoint(t.Address, t.Port)
}

func (t Target) String() string {
	if t.Name == "" || t.Name == t.Address {
		return net.JoinHostPort(t.Address, fmt.Sprint(t.Port))
	}
	return fmt.Sprintf("%s(%s)", t.Name, net.JoinHostPort(t.Address, fmt.Sprint(t.Port)))
}

// Client issues requests signed with one identity to peers from a source.
type Client struct {
	id    auth.Identity
	peers discovery.Source
	cfg   Config
	log   zerolog.Logger
}

func New(id auth.Identity, peers discovery.Source, cfg Config) *Client {
	return &Client{
		id:    id,
		peers: peers,
		cfg:   cfg.withDefaults(),
		log:   logging.Component("client"),
	}
}

// ListPeers returns every address of every resolved peer.
func (c *Client) ListPeers(ctx context.Context) ([]string, error) {
	peers, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range peers {
		for _, addr := range p.Addrs {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out, nil
}

// Targets picks the first address of each resolved peer.
func (c *Client) Targets(ctx context.Context) ([]Target, error) {
	peers, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(peers))
	for _, p := range peers {
		if !p.Resolved() {
			continue
		}
		port := p.Port
		if port <= 0 {
			port = c.cfg.PeerPort
		}
		out = append(out, Target{Name: p.Name, Address: p.Addrs[0], Port: port})
	}
	return out, nil
}

func (c *Client) resolve(ctx context.Context) ([]discovery.Peer, error) {
	if c.peers == nil {
		return nil, nil
	}
	return c.peers.Peers(ctx)
}

// TargetFor builds a target for an explicit host or host:port.
func (c *Client) TargetFor(hostport string) (Target, error) {
	s, err := discovery.NewStatic([]string{hostport}, c.cfg.PeerPort)
	if err != nil {
		return Target{}, err
	}
	peers, _ := s.Peers(context.Background())
	if len(peers) == 0 {
		return Target{}, fmt.Errorf("%w: %q", discovery.ErrInvalidPeer, hostport)
	}
	return Target{Name: peers[0].Name, Address: peers[0].Addrs[0], Port: peers[0].Port}, nil
}

// LocalAddress is the claimed address: the configured one, else the local
// side of a UDP socket connected (no packet sent) to the probe address,
// else 127.0.0.1.
func (c *Client) LocalAddress() string {
	if c.cfg.AdvertiseAddr != "" {
		return c.cfg.AdvertiseAddr
	}
	return ProbeLocalAddress(c.cfg.ProbeAddr)
}

func ProbeLocalAddress(probe string) string {
	conn, err := net.Dial("udp", probe)
	if err != nil {
		return fallbackAddress
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return fallbackAddress
	}
	return addr.IP.String()
}

func (c *Client) options() transport.Options {
	return transport.Options{Timeout: c.cfg.RequestTimeout}
}

func (c *Client) exchange(ctx context.Context, t Target, req protocol.Request) (string, error) {
	reply, err := transport.Exchange(ctx, t.Endpoint(), req.Frames(), c.options())
	if err == nil && reply != protocol.Expected(req.Tag) {
		err = fmt.Errorf("%w: %s from %s: %q", ErrUnexpectedReply, req.Tag, t, reply)
	}
	observability.RecordClientRequest(string(req.Tag), err == nil)
	return reply, err
}

func (c *Client) retried(ctx context.Context, t Target, req protocol.Request) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return retry(ctx, c.cfg.RegisterAttempts, c.cfg.Backoff, rng, func() error {
		_, err := c.exchange(ctx, t, req)
		if err != nil {
			c.log.Debug().Err(err).Str("peer", t.String()).Str("tag", string(req.Tag)).Msg("attempt failed")
		}
		return err
	})
}

// Hello checks that t answers WORLD.
func (c *Client) Hello(ctx context.Context, t Target) error {
	return c.retried(ctx, t, protocol.NewHello())
}

// RegisterWith sends this client's public key to t under the claimed
// local address. Anything but REGISTER OK is an error.
func (c *Client) RegisterWith(ctx context.Context, t Target) error {
	key, err := c.id.EncodedPublicKey()
	if err != nil {
		return err
	}
	local := c.LocalAddress()
	if err := c.retried(ctx, t, protocol.NewRegister(local, key)); err != nil {
		return fmt.Errorf("register with %s: %w", t, err)
	}
	c.log.Info().Str("peer", t.String()).Str("claimed", local).Msg("registered")
	return nil
}

// Tokenize splits an operator command on whitespace.
func Tokenize(command string) []string {
	return strings.Fields(command)
}
