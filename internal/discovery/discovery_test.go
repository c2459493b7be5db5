package discovery

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/danmuck/autofab/internal/testutil/testlog"
)

func TestDirectoryAppliesEvents(t *testing.T) {
	testlog.Start(t)
	d := NewDirectory()

	d.Apply(Event{Kind: Added, Peer: Peer{Name: "alpha"}})
	if d.Len() != 1 || len(d.Snapshot()) != 0 {
		t.Fatalf("added-but-unresolved peer must not be listed")
	}

	d.Apply(Event{Kind: Resolved, Peer: Peer{Name: "alpha", Addrs: []string{"10.0.0.2"}, Port: 4223}})
	d.Apply(Event{Kind: Resolved, Peer: Peer{Name: "beta", Addrs: []string{"10.0.0.3"}, Port: 4223}})
	peers, _ := d.Peers(context.Background())
	if len(peers) != 2 || peers[0].Name != "alpha" || peers[1].Name != "beta" {
		t.Fatalf("unexpected snapshot %+v", peers)
	}

	d.Apply(Event{Kind: Added, Peer: Peer{Name: "alpha"}})
	if got := d.Snapshot(); len(got) != 2 {
		t.Fatalf("re-adding a resolved peer must keep its addresses, got %+v", got)
	}

	d.Apply(Event{Kind: Removed, Peer: Peer{Name: "alpha"}})
	peers = d.Snapshot()
	if len(peers) != 1 || peers[0].Name != "beta" {
		t.Fatalf("unexpected snapshot after remove %+v", peers)
	}
}

func TestDirectorySnapshotIsCopy(t *testing.T) {
	testlog.Start(t)
	d := NewDirectory()
	d.Apply(Event{Kind: Resolved, Peer: Peer{Name: "a", Addrs: []string{"10.0.0.1"}}})
	snap := d.Snapshot()
	snap[0].Addrs[0] = "mutated"
	if d.Snapshot()[0].Addrs[0] != "10.0.0.1" {
		t.Fatalf("snapshot mutation leaked into directory")
	}
}

func TestDirectoryRunConsumesChannel(t *testing.T) {
	testlog.Start(t)
	d := NewDirectory()
	ch := make(chan Event, 4)
	ch <- Event{Kind: Added, Peer: Peer{Name: "a"}}
	ch <- Event{Kind: Resolved, Peer: Peer{Name: "a", Addrs: []string{"10.0.0.1"}, Port: 1}}
	close(ch)
	d.Run(context.Background(), ch)
	if got := d.Snapshot(); len(got) != 1 || got[0].Port != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestDiff(t *testing.T) {
	testlog.Start(t)
	prev := map[string]Peer{
		"gone": {Name: "gone", Addrs: []string{"10.0.0.1"}, Port: 4223},
		"same": {Name: "same", Addrs: []string{"10.0.0.2"}, Port: 4223},
		"move": {Name: "move", Addrs: []string{"10.0.0.3"}, Port: 4223},
	}
	next := map[string]Peer{
		"same": {Name: "same", Addrs: []string{"10.0.0.2"}, Port: 4223},
		"move": {Name: "move", Addrs: []string{"10.0.0.9"}, Port: 4223},
		"new":  {Name: "new", Addrs: []string{"10.0.0.4"}, Port: 4223},
	}
	got := Diff(prev, next)
	want := []Event{
		{Kind: Removed, Peer: prev["gone"]},
		{Kind: Resolved, Peer: next["move"]},
		{Kind: Added, Peer: Peer{Name: "new", Port: 4223}},
		{Kind: Resolved, Peer: next["new"]},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	d := NewDirectory()
	for _, p := range prev {
		d.Apply(Event{Kind: Resolved, Peer: p})
	}
	for _, ev := range got {
		d.Apply(ev)
	}
	snap := d.Snapshot()
	if len(snap) != 3 || snap[0].Name != "move" || snap[0].Addrs[0] != "10.0.0.9" {
		t.Fatalf("directory did not converge: %+v", snap)
	}
}

func TestStaticPeers(t *testing.T) {
	testlog.Start(t)
	s, err := NewStatic([]string{"10.0.0.2", " 10.0.0.3:5000 ", "", "[fe80::1]:4300", "fe80::2"}, 4223)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	peers, _ := s.Peers(context.Background())
	want := []Peer{
		{Name: "10.0.0.2", Addrs: []string{"10.0.0.2"}, Port: 4223},
		{Name: "10.0.0.3", Addrs: []string{"10.0.0.3"}, Port: 5000},
		{Name: "fe80::1", Addrs: []string{"fe80::1"}, Port: 4300},
		{Name: "fe80::2", Addrs: []string{"fe80::2"}, Port: 4223},
	}
	if !reflect.DeepEqual(peers, want) {
		t.Fatalf("expected %+v, got %+v", want, peers)
	}
	if evs := s.Events(); len(evs) != 8 || evs[0].Kind != Added || evs[1].Kind != Resolved {
		t.Fatalf("unexpected static events %+v", evs)
	}
}

func TestStaticRejectsBadPort(t *testing.T) {
	testlog.Start(t)
	for _, entry := range []string{"host:0", "host:99999", "host:abc", ":4223"} {
		if _, err := NewStatic([]string{entry}, 4223); !errors.Is(err, ErrInvalidPeer) {
			t.Fatalf("entry %q: expected ErrInvalidPeer, got %v", entry, err)
		}
	}
}

func TestInstanceName(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		full string
		want string
	}{
		{full: "node-a._distributedscenery._tcp.local.", want: "node-a"},
		{full: "node-a._distributedscenery._tcp.local", want: "node-a"},
		{full: `My\ Box._distributedscenery._tcp.local.`, want: "My Box"},
		{full: "other._http._tcp.local.", want: "other._http._tcp.local"},
	}
	for _, tc := range tests {
		if got := instanceName(tc.full, DefaultService, DefaultDomain); got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.full, tc.want, got)
		}
	}
}

func fakeBrowser(answers ...[]*mdns.ServiceEntry) *Browser {
	b := NewBrowser("", "", 10*time.Millisecond)
	round := 0
	b.query = func(p *mdns.QueryParam) error {
		if round < len(answers) {
			for _, e := range answers[round] {
				p.Entries <- e
			}
		}
		round++
		return nil
	}
	return b
}

func TestBrowserPeersMergesDuplicates(t *testing.T) {
	testlog.Start(t)
	b := fakeBrowser([]*mdns.ServiceEntry{
		{Name: "b._distributedscenery._tcp.local.", AddrV4: net.ParseIP("10.0.0.2"), Port: 4223},
		{Name: "a._distributedscenery._tcp.local.", AddrV4: net.ParseIP("10.0.0.1"), Port: 4223},
		{Name: "a._distributedscenery._tcp.local.", AddrV6: net.ParseIP("fe80::1"), Port: 4223},
		nil,
	})
	peers, err := b.Peers(context.Background())
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	want := []Peer{
		{Name: "a", Addrs: []string{"10.0.0.1", "fe80::1"}, Port: 4223},
		{Name: "b", Addrs: []string{"10.0.0.2"}, Port: 4223},
	}
	if !reflect.DeepEqual(peers, want) {
		t.Fatalf("expected %+v, got %+v", want, peers)
	}
}

func TestBrowserQueryError(t *testing.T) {
	testlog.Start(t)
	b := NewBrowser("", "", time.Millisecond)
	b.query = func(*mdns.QueryParam) error { return errors.New("no multicast") }
	if _, err := b.Peers(context.Background()); !errors.Is(err, ErrBrowse) {
		t.Fatalf("expected ErrBrowse, got %v", err)
	}
}

func TestBrowserWatchEmitsChanges(t *testing.T) {
	testlog.Start(t)
	a := &mdns.ServiceEntry{Name: "a._distributedscenery._tcp.local.", AddrV4: net.ParseIP("10.0.0.1"), Port: 4223}
	b := fakeBrowser([]*mdns.ServiceEntry{a}, []*mdns.ServiceEntry{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 8)
	go b.Watch(ctx, 10*time.Millisecond, out)

	want := []EventKind{Added, Resolved, Removed}
	for i, kind := range want {
		select {
		case ev := <-out:
			if ev.Kind != kind || ev.Peer.Name != "a" {
				t.Fatalf("event %d: expected %s a, got %s %s", i, kind, ev.Kind, ev.Peer.Name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d: timed out", i)
		}
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	testlog.Start(t)
	if _, err := Advertise(AdvertiseConfig{Port: 0}); !errors.Is(err, ErrAdvertise) {
		t.Fatalf("expected ErrAdvertise, got %v", err)
	}
	var a *Advertiser
	if err := a.Close(); err != nil {
		t.Fatalf("nil advertiser close: %v", err)
	}
}
