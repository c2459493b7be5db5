// Package discovery tracks which peers exist and where they listen.
//
// Ownership boundary:
// - peer records and the add/remove/resolve event stream
// - a pollable Directory snapshot built from events
// - static and mDNS sources, plus mDNS self-advertisement
//
// The client only reads snapshots; records stay owned here.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrInvalidPeer = errors.New("discovery: invalid peer")
	ErrAdvertise   = errors.New("discovery: advertise failed")
	ErrBrowse      = errors.New("discovery: browse failed")
)

const (
	DefaultService = "_distributedscenery._tcp"
	DefaultDomain  = "local."
)

// Peer is one node running the engine.
type Peer struct {
	Name  string
	Addrs []string
	Port  int
}

// Resolved reports whether the peer has at least one address.
func (p Peer) Resolved() bool {
	return len(p.Addrs) > 0
}

type EventKind int

const (
	Added EventKind = iota + 1
	Removed
	Resolved
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

// Event is one change to the peer set. Added may carry no addresses yet;
// Resolved carries the addresses and port.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Source yields the current set of resolved peers.
type Source interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// Directory is a snapshot of peers assembled from events.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

var _ Source = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]Peer)}
}

// Apply folds one event into the snapshot.
func (d *Directory) Apply(ev Event) {
	if ev.Peer.Name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Kind {
	case Added:
		if _, ok := d.peers[ev.Peer.Name]; !ok {
			d.peers[ev.Peer.Name] = Peer{Name: ev.Peer.Name, Port: ev.Peer.Port}
		}
	case Resolved:
		d.peers[ev.Peer.Name] = clonePeer(ev.Peer)
	case Removed:
		delete(d.peers, ev.Peer.Name)
	}
}

// Run applies events until the channel closes or ctx is done.
func (d *Directory) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Apply(ev)
		}
	}
}

// Peers returns resolved peers sorted by name.
func (d *Directory) Peers(context.Context) ([]Peer, error) {
	return d.Snapshot(), nil
}

func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if p.Resolved() {
			out = append(out, clonePeer(p))
		}
	}
	sortPeers(out)
	return out
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
}

// Len counts every known peer, resolved or not.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

func clonePeer(p Peer) Peer {
	p.Addrs = append([]string(nil), p.Addrs...)
	return p
}

// Diff returns the events that turn prev into next, in name order.
func Diff(prev, next map[string]Peer) []Event {
	names := make([]string, 0, len(prev)+len(next))
	seen := make(map[string]bool, len(prev)+len(next))
	for name := range prev {
		names = append(names, name)
		seen[name] = true
	}
	for name := range next {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []Event
	for _, name := range names {
		old, had := prev[name]
		cur, has := next[name]
		switch {
		case had && !has:
			out = append(out, Event{Kind: Removed, Peer: old})
		case !had && has:
			out = append(out, Event{Kind: Added, Peer: Peer{Name: name, Port: cur.Port}})
			if cur.Resolved() {
				out = append(out, Event{Kind: Resolved, Peer: clonePeer(cur)})
			}
		case had && has && !samePeer(old, cur):
			out = append(out, Event{Kind: Resolved, Peer: clonePeer(cur)})
		}
	}
	return out
}

func samePeer(a, b Peer) bool {
	if a.Port != b.Port || len(a.Addrs) != len(b.Addrs) {
		return false
	}
	for i := range a.Addrs {
		if a.Addrs[i] != b.Addrs[i] {
			return false
		}
	}
	return true
}
