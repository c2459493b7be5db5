// Package engine serves the node side of the autofab protocol.
//
// Ownership boundary:
// - the bound reply socket and its single dispatch loop
// - registration toggle state
// - hand-off of verified launches to a bounded spawn pool
//
// Trust decisions belong to auth; process lifetime belongs to process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/events"
	"github.com/danmuck/autofab/internal/logging"
	"github.com/danmuck/autofab/internal/process"
	"github.com/danmuck/autofab/internal/protocol/transport"
)

var (
	ErrInvalidConfig  = errors.New("engine: invalid config")
	ErrAlreadyServing = errors.New("engine: already serving")
)

const (
	DefaultEndpoint = "tcp://0.0.0.0:4223"
	recvRetryDelay  = 50 * time.Millisecond
)

// Config configures one engine instance.
type Config struct {
	// Node names this instance in logs, metrics and events.
	Node     string
	Endpoint string
	// RegistrationEnabled is the initial toggle state; REGISTER is ignored while off.
	RegistrationEnabled bool
	// SpawnConcurrency bounds in-flight process starts.
	SpawnConcurrency int
	// ShutdownGrace bounds how long SHUTDOWN/KILL wait for exits before pruning.
	ShutdownGrace time.Duration
	LogDir        string
	WorkDir       string
}

func DefaultConfig() Config {
	node, err := os.Hostname()
	if err != nil || node == "" {
		node = "localhost"
	}
	return Config{
		Node:             node,
		Endpoint:         DefaultEndpoint,
		SpawnConcurrency: 4,
		ShutdownGrace:    process.DefaultGrace,
		LogDir:           "logs",
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if c.SpawnConcurrency < 1 {
		return fmt.Errorf("%w: spawn_concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("%w: shutdown_grace must be >= 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.LogDir) == "" {
		return fmt.Errorf("%w: log dir is required", ErrInvalidConfig)
	}
	return nil
}

// Trust is the key store the engine consults: REGISTER writes, LAUNCH verifies.
type Trust interface {
	auth.Verifier
	auth.Registrar
}

type Option func(*Engine)

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithSpawner replaces the default spawner built from Config.
func WithSpawner(s *process.Spawner) Option {
	return func(e *Engine) {
		if s != nil {
			e.spawner = s
		}
	}
}

// Engine owns one bound endpoint. Only the Serve goroutine touches the socket.
type Engine struct {
	cfg      Config
	trust    Trust
	spawner  *process.Spawner
	registry *process.Registry
	events   events.Publisher
	log      zerolog.Logger

	registration atomic.Bool
	serving      atomic.Bool
	spawns       *errgroup.Group

	mu      sync.Mutex
	replier *transport.Replier
}

func New(cfg Config, trust Trust, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if trust == nil {
		return nil, fmt.Errorf("%w: trust store is required", ErrInvalidConfig)
	}
	e := &Engine{
		cfg:      cfg,
		trust:    trust,
		registry: process.NewRegistry(cfg.ShutdownGrace),
		events:   events.Nop{},
		log:      logging.Component("engine").With().Str("node", cfg.Node).Logger(),
		spawns:   &errgroup.Group{},
	}
	e.spawns.SetLimit(cfg.SpawnConcurrency)
	for _, opt := range opts {
		opt(e)
	}
	if e.spawner == nil {
		e.spawner = process.NewSpawner(cfg.LogDir, cfg.WorkDir)
	}
	e.spawner.Exited = e.processExited
	e.registration.Store(cfg.RegistrationEnabled)
	return e, nil
}

// LogDirFor is the launch log directory under a node config directory.
func LogDirFor(configDir string) string {
	return filepath.Join(configDir, "logs")
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Processes exposes the registry for inspection.
func (e *Engine) Processes() *process.Registry {
	return e.registry
}

func (e *Engine) RegistrationEnabled() bool {
	return e.registration.Load()
}

// SetRegistrationEnabled flips the REGISTER toggle; safe from any goroutine.
func (e *Engine) SetRegistrationEnabled(enabled bool) {
	if e.registration.Swap(enabled) != enabled {
		e.log.Info().Bool("enabled", enabled).Msg("registration toggled")
	}
}

// Listen binds the configured endpoint. Serve calls it when needed.
func (e *Engine) Listen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replier != nil {
		return nil
	}
	r, err := transport.Listen(ctx, e.cfg.Endpoint)
	if err != nil {
		return err
	}
	e.replier = r
	e.log.Info().Str("endpoint", r.Endpoint()).Bool("registration", e.RegistrationEnabled()).Msg("engine listening")
	return nil
}

// Endpoint is the bound endpoint, or the configured one before Listen.
func (e *Engine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replier != nil {
		return e.replier.Endpoint()
	}
	return e.cfg.Endpoint
}

// Serve runs the dispatch loop until ctx is cancelled or Close is called.
// A closed socket ends the loop without error.
func (e *Engine) Serve(ctx context.Context) error {
	if !e.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer e.serving.Store(false)

	if err := e.Listen(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	r := e.replier
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = e.Close() })
	defer stop()
	defer func() { _ = e.spawns.Wait() }()

	for {
		frames, err := r.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				e.log.Info().Msg("engine stopped")
				return nil
			}
			e.log.Warn().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(recvRetryDelay):
			}
			continue
		}

		start := time.Now()
		tag, reply := e.dispatch(frames)
		if err := r.Reply(reply); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				e.log.Info().Msg("engine stopped")
				return nil
			}
			e.log.Warn().Err(err).Str("tag", tag).Msg("reply failed")
		}
		e.observe(tag, reply, time.Since(start))
	}
}

// Close closes the socket, which ends Serve once in-flight spawns finish.
// Spawned processes keep running.
func (e *Engine) Close() error {
	e.mu.Lock()
	r := e.replier
	e.replier = nil
	e.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}
