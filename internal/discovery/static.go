package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Static is a fixed peer list from configuration.
type Static struct {
	peers []Peer
}

var _ Source = (*Static)(nil)

// NewStatic parses "host" or "host:port" entries; bare hosts get defaultPort.
func NewStatic(entries []string, defaultPort int) (*Static, error) {
	s := &Static{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		s.peers = append(s.peers, p)
	}
	return s, nil
}

func parseEntry(entry string, defaultPort int) (Peer, error) {
	host, portText, err := net.SplitHostPort(entry)
	if err != nil {
		// bare host, possibly an unbracketed IPv6 literal
		host = strings.Trim(entry, "[]")
		return Peer{Name: host, Addrs: []string{host}, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return Peer{}, fmt.Errorf("%w: bad port in %q", ErrInvalidPeer, entry)
	}
	if host == "" {
		return Peer{}, fmt.Errorf("%w: empty host in %q", ErrInvalidPeer, entry)
	}
	return Peer{Name: host, Addrs: []string{host}, Port: port}, nil
}

func (s *Static) Peers(context.Context) ([]Peer, error) {
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, clonePeer(p))
	}
	return out, nil
}

// Events replays the list as Added+Resolved pairs.
func (s *Static) Events() []Event {
	out := make([]Event, 0, 2*len(s.peers))
	for _, p := range s.peers {
		out = append(out,
			Event{Kind: Added, Peer: Peer{Name: p.Name, Port: p.Port}},
			Event{Kind: Resolved, Peer: clonePeer(p)},
		)
	}
	return out
}
