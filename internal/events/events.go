// Package events publishes node lifecycle events for external observers.
//
// Publishing never blocks the protocol engine: events are queued and
// dropped when the queue is full.
package events

import (
	"sync"
	"time"
)

// Kind names one lifecycle transition. It is appended to the subject.
type Kind string

const (
	LaunchAccepted      Kind = "launch.accepted"
	LaunchRejected      Kind = "launch.rejected"
	ProcessStarted      Kind = "process.started"
	ProcessExited       Kind = "process.exited"
	ProcessSpawnFailed  Kind = "process.spawn_failed"
	ProcessesTerminated Kind = "processes.terminated"
	HostRegistered      Kind = "host.registered"
)

type Event struct {
	Kind     Kind      `json:"kind"`
	Node     string    `json:"node,omitempty"`
	Host     string    `json:"host,omitempty"`
	Program  string    `json:"program,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Force    bool      `json:"force,omitempty"`
	Count    int       `json:"count,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(Event)
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// Recorder keeps events in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
