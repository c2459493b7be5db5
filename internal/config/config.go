// Package config loads autofab.toml into node, client, discovery and events
// settings. Every key is optional; unset keys keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalid = errors.New("config: invalid")

const (
	FileName         = "autofab.toml"
	DefaultConfigDir = "~/.autofab"
)

type DiscoveryMode string

const (
	DiscoveryMDNS   DiscoveryMode = "mdns"
	DiscoveryStatic DiscoveryMode = "static"
	DiscoveryNone   DiscoveryMode = "none"
)

type Config struct {
	// ConfigDir holds the identity, the trust store and logs/.
	ConfigDir string
	Node      NodeConfig
	Client    ClientConfig
	Discovery DiscoveryConfig
	Events    EventsConfig
}

type NodeConfig struct {
	Listen              string
	WorkDir             string
	RegistrationEnabled bool
	SpawnConcurrency    int
	ShutdownGrace       time.Duration
	// AdminAddr enables the admin HTTP surface when set.
	AdminAddr string
}

type ClientConfig struct {
	PeerPort         int
	AdvertiseAddr    string
	ProbeAddr        string
	RequestTimeout   time.Duration
	Concurrency      int
	RegisterAttempts int
}

type DiscoveryConfig struct {
	Mode     DiscoveryMode
	Service  string
	Domain   string
	Instance string
	Interval time.Duration
	Peers    []string
}

type EventsConfig struct {
	// NATSURL enables event publishing when set.
	NATSURL string
	Subject string
}

func Default() Config {
	return Config{
		ConfigDir: ExpandHome(DefaultConfigDir),
		Node: NodeConfig{
			Listen:           "tcp://0.0.0.0:4223",
			WorkDir:          ".",
			SpawnConcurrency: 4,
			ShutdownGrace:    3 * time.Second,
		},
		Client: ClientConfig{
			PeerPort:         4223,
			ProbeAddr:        "8.8.8.8:10002",
			RequestTimeout:   10 * time.Second,
			Concurrency:      8,
			RegisterAttempts: 3,
		},
		Discovery: DiscoveryConfig{
			Mode:     DiscoveryMDNS,
			Service:  "_distributedscenery._tcp",
			Domain:   "local.",
			Interval: 5 * time.Second,
		},
		Events: EventsConfig{
			Subject: "autofab.events",
		},
	}
}

// Resolve loads path, or the default config dir's autofab.toml when path is
// empty and that file exists, or returns defaults.
func Resolve(path string) (Config, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	fallback := filepath.Join(ExpandHome(DefaultConfigDir), FileName)
	if _, err := os.Stat(fallback); err == nil {
		return Load(fallback)
	}
	return Default(), nil
}

func Load(path string) (Config, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw File, meta toml.MetaData) (Config, error) {
	var err error
	if meta.IsDefined("config_dir") {
		cfg.ConfigDir = ExpandHome(strings.TrimSpace(raw.ConfigDir))
	}

	if meta.IsDefined("node", "listen") {
		cfg.Node.Listen = strings.TrimSpace(raw.Node.Listen)
	}
	if meta.IsDefined("node", "work_dir") {
		cfg.Node.WorkDir = ExpandHome(strings.TrimSpace(raw.Node.WorkDir))
	}
	if meta.IsDefined("node", "registration_enabled") {
		cfg.Node.RegistrationEnabled = raw.Node.RegistrationEnabled
	}
	if meta.IsDefined("node", "spawn_concurrency") {
		cfg.Node.SpawnConcurrency = raw.Node.SpawnConcurrency
	}
	if meta.IsDefined("node", "shutdown_grace") {
		if cfg.Node.ShutdownGrace, err = parseDuration("node.shutdown_grace", raw.Node.ShutdownGrace); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("node", "admin_addr") {
		cfg.Node.AdminAddr = strings.TrimSpace(raw.Node.AdminAddr)
	}

	if meta.IsDefined("client", "peer_port") {
		cfg.Client.PeerPort = raw.Client.PeerPort
	}
	if meta.IsDefined("client", "advertise_addr") {
		cfg.Client.AdvertiseAddr = strings.TrimSpace(raw.Client.AdvertiseAddr)
	}
	if meta.IsDefined("client", "probe_addr") {
		cfg.Client.ProbeAddr = strings.TrimSpace(raw.Client.ProbeAddr)
	}
	if meta.IsDefined("client", "request_timeout") {
		if cfg.Client.RequestTimeout, err = parseDuration("client.request_timeout", raw.Client.RequestTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("client", "concurrency") {
		cfg.Client.Concurrency = raw.Client.Concurrency
	}
	if meta.IsDefined("client", "register_attempts") {
		cfg.Client.RegisterAttempts = raw.Client.RegisterAttempts
	}

	if meta.IsDefined("discovery", "mode") {
		cfg.Discovery.Mode = DiscoveryMode(strings.ToLower(strings.TrimSpace(raw.Discovery.Mode)))
	}
	if meta.IsDefined("discovery", "service") {
		cfg.Discovery.Service = strings.TrimSpace(raw.Discovery.Service)
	}
	if meta.IsDefined("discovery", "domain") {
		cfg.Discovery.Domain = strings.TrimSpace(raw.Discovery.Domain)
	}
	if meta.IsDefined("discovery", "instance") {
		cfg.Discovery.Instance = strings.TrimSpace(raw.Discovery.Instance)
	}
	if meta.IsDefined("discovery", "interval") {
		if cfg.Discovery.Interval, err = parseDuration("discovery.interval", raw.Discovery.Interval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("discovery", "peers") {
		cfg.Discovery.Peers = normalizePeers(raw.Discovery.Peers)
	}

	if meta.IsDefined("events", "nats_url") {
		cfg.Events.NATSURL = strings.TrimSpace(raw.Events.NATSURL)
	}
	if meta.IsDefined("events", "subject") {
		cfg.Events.Subject = strings.TrimSpace(raw.Events.Subject)
	}
	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

func normalizePeers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ConfigDir) == "" {
		return fmt.Errorf("%w: config_dir is required", ErrInvalid)
	}
	if !strings.HasPrefix(c.Node.Listen, "tcp://") {
		return fmt.Errorf("%w: node.listen must be a tcp:// endpoint, got %q", ErrInvalid, c.Node.Listen)
	}
	if c.Node.SpawnConcurrency < 1 {
		return fmt.Errorf("%w: node.spawn_concurrency must be >= 1", ErrInvalid)
	}
	if c.Node.ShutdownGrace < 0 {
		return fmt.Errorf("%w: node.shutdown_grace must be >= 0", ErrInvalid)
	}
	if c.Client.PeerPort < 1 || c.Client.PeerPort > 65535 {
		return fmt.Errorf("%w: client.peer_port out of range: %d", ErrInvalid, c.Client.PeerPort)
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("%w: client.request_timeout must be > 0", ErrInvalid)
	}
	if c.Client.Concurrency < 1 {
		return fmt.Errorf("%w: client.concurrency must be >= 1", ErrInvalid)
	}
	if c.Client.RegisterAttempts < 1 {
		return fmt.Errorf("%w: client.register_attempts must be >= 1", ErrInvalid)
	}
	switch c.Discovery.Mode {
	case DiscoveryMDNS:
		if c.Discovery.Service == "" || c.Discovery.Domain == "" {
			return fmt.Errorf("%w: discovery.service and discovery.domain are required for mdns", ErrInvalid)
		}
		if c.Discovery.Interval <= 0 {
			return fmt.Errorf("%w: discovery.interval must be > 0", ErrInvalid)
		}
	case DiscoveryStatic, DiscoveryNone:
	default:
		return fmt.Errorf("%w: unknown discovery.mode %q", ErrInvalid, c.Discovery.Mode)
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return fmt.Errorf("%w: events.subject is required with events.nats_url", ErrInvalid)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
