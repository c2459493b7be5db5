package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/danmuck/autofab/internal/logging"
)

const (
	DefaultSubject   = "autofab.events"
	defaultQueueSize = 256
)

var ErrConnect = errors.New("events: nats connect failed")

// NATSPublisher sends events as JSON to <subject>.<kind> from a single
// background goroutine.
type NATSPublisher struct {
	send    func(subject string, data []byte) error
	flush   func() error
	subject string
	node    string
	queue   chan Event
	dropped atomic.Uint64

	// mu orders Publish against Close: no event enters the queue once
	// closed is set, so the drain in sendLoop sees every accepted event.
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// ConnectNATS dials url and starts the send loop.
func ConnectNATS(url, subject, node string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("autofab-"+node),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, url, err)
	}
	flush := func() error {
		err := nc.FlushTimeout(2 * time.Second)
		nc.Close()
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return err
	}
	p := newNATSPublisher(nc.Publish, flush, subject, node)
	log := logging.Component("events")
	log.Info().Str("url", url).Str("subject", subject).Msg("nats publisher connected")
	return p, nil
}

func newNATSPublisher(send func(string, []byte) error, flush func() error, subject, node string) *NATSPublisher {
	p := &NATSPublisher{
		send:    send,
		flush:   flush,
		subject: subject,
		node:    node,
		queue:   make(chan Event, defaultQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.sendLoop()
	return p
}

// Subject is the full subject an event of kind k is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.subject + "." + string(k)
}

func (p *NATSPublisher) Publish(ev Event) {
	if ev.Node == "" {
		ev.Node = p.node
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped counts events discarded because the queue was full or the
// publisher was already closed.
func (p *NATSPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close drains queued events, flushes and closes the connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	<-p.done
	return p.flush()
}

func (p *NATSPublisher) sendLoop() {
	defer close(p.done)
	log := logging.Component("events")
	for {
		select {
		case ev := <-p.queue:
			p.publish(log, ev)
		case <-p.stop:
			for {
				select {
				case ev := <-p.queue:
					p.publish(log, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *NATSPublisher) publish(log zerolog.Logger, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("marshal event failed")
		return
	}
	if err := p.send(p.Subject(ev.Kind), data); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("publish event failed")
	}
}
