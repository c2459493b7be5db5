// Package node runs the autofab daemon lifecycle.
//
// Ownership boundary:
// - config dir, identity and trust store bootstrap
// - engine, mDNS advertisement, admin HTTP and event publisher lifetimes
// - signal-driven shutdown
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/autofab/internal/admin"
	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/client"
	"github.com/danmuck/autofab/internal/config"
	"github.com/danmuck/autofab/internal/discovery"
	"github.com/danmuck/autofab/internal/engine"
	"github.com/danmuck/autofab/internal/events"
	"github.com/danmuck/autofab/internal/logging"
)

var ErrInvalidEndpoint = errors.New("node: invalid endpoint")

// Service owns one daemon run.
type Service struct {
	cfg config.Config
	log zerolog.Logger

	trust      *auth.TrustStore
	engine     *engine.Engine
	publisher  events.Publisher
	advertiser *discovery.Advertiser
	admin      *admin.Server

	ready chan struct{}
}

func NewService(cfg config.Config) *Service {
	return &Service{
		cfg:   cfg,
		log:   logging.Component("node"),
		ready: make(chan struct{}),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext bootstraps and serves until ctx is cancelled.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		s.teardown()
		return err
	}
	defer s.teardown()
	close(s.ready)
	return s.serve(ctx)
}

// Ready is closed once the engine is bound and advertised.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Engine is valid after Ready.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// AdminAddr is the bound admin address, or "" when admin is disabled.
func (s *Service) AdminAddr() string {
	if s.admin == nil || s.admin.Addr() == nil {
		return ""
	}
	return s.admin.Addr().String()
}

func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := auth.IssueOrLoadIdentity(s.cfg.ConfigDir); err != nil {
		return err
	}
	s.trust = auth.NewTrustStore(s.cfg.ConfigDir)

	engCfg := s.cfg.Engine()
	s.publisher = events.Nop{}
	if s.cfg.Events.NATSURL != "" {
		pub, err := events.ConnectNATS(s.cfg.Events.NATSURL, s.cfg.Events.Subject, engCfg.Node)
		if err != nil {
			return err
		}
		s.publisher = pub
	}

	eng, err := engine.New(engCfg, s.trust, engine.WithEvents(s.publisher))
	if err != nil {
		return err
	}
	if err := eng.Listen(ctx); err != nil {
		return err
	}
	s.engine = eng

	if s.cfg.Discovery.Mode == config.DiscoveryMDNS {
		if err := s.advertise(engCfg.Node); err != nil {
			return err
		}
	}
	if s.cfg.Node.AdminAddr != "" {
		s.admin = admin.New(engCfg.Node, eng)
	}

	s.log.Info().
		Str("node", engCfg.Node).
		Str("config_dir", s.cfg.ConfigDir).
		Str("endpoint", eng.Endpoint()).
		Bool("registration", eng.RegistrationEnabled()).
		Str("discovery", string(s.cfg.Discovery.Mode)).
		Msg("node ready")
	return nil
}

func (s *Service) advertise(instance string) error {
	port, err := EndpointPort(s.engine.Endpoint())
	if err != nil {
		return err
	}
	addr := s.cfg.Client.AdvertiseAddr
	if addr == "" {
		addr = client.ProbeLocalAddress(s.cfg.Client.ProbeAddr)
	}
	var ips []net.IP
	if ip := net.ParseIP(addr); ip != nil {
		ips = append(ips, ip)
	}
	adv, err := discovery.Advertise(discovery.AdvertiseConfig{
		Instance: instance,
		Service:  s.cfg.Discovery.Service,
		Domain:   s.cfg.Discovery.Domain,
		Port:     port,
		IPs:      ips,
	})
	if err != nil {
		return err
	}
	s.advertiser = adv
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Serve(gctx)
	})
	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Serve(gctx, s.cfg.Node.AdminAddr)
		})
	}
	err := g.Wait()
	s.log.Info().Err(err).Msg("node stopped")
	return err
}

func (s *Service) teardown() {
	if s.advertiser != nil {
		if err := s.advertiser.Close(); err != nil {
			s.log.Warn().Err(err).Msg("mdns shutdown failed")
		}
	}
	if s.engine != nil {
		_ = s.engine.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.log.Warn().Err(err).Msg("event publisher close failed")
		}
	}
}

// EndpointPort extracts the TCP port of a tcp://host:port endpoint.
func EndpointPort(endpoint string) (int, error) {
	hostport, ok := strings.CutPrefix(endpoint, "tcp://")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	_, raw, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, raw)
	}
	return port, nil
}
