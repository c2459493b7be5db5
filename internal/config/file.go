package config

import (
	"bytes"
	"fmt"

	gotoml "github.com/pelletier/go-toml/v2"
)

// File is the on-disk shape of autofab.toml. Durations are strings.
type File struct {
	ConfigDir string        `toml:"config_dir"`
	Node      NodeFile      `toml:"node"`
	Client    ClientFile    `toml:"client"`
	Discovery DiscoveryFile `toml:"discovery"`
	Events    EventsFile    `toml:"events"`
}

type NodeFile struct {
	Listen              string `toml:"listen"`
	WorkDir             string `toml:"work_dir"`
	RegistrationEnabled bool   `toml:"registration_enabled"`
	SpawnConcurrency    int    `toml:"spawn_concurrency"`
	ShutdownGrace       string `toml:"shutdown_grace"`
	AdminAddr           string `toml:"admin_addr"`
}

type ClientFile struct {
	PeerPort         int    `toml:"peer_port"`
	AdvertiseAddr    string `toml:"advertise_addr"`
	ProbeAddr        string `toml:"probe_addr"`
	RequestTimeout   string `toml:"request_timeout"`
	Concurrency      int    `toml:"concurrency"`
	RegisterAttempts int    `toml:"register_attempts"`
}

type DiscoveryFile struct {
	Mode     string   `toml:"mode"`
	Service  string   `toml:"service"`
	Domain   string   `toml:"domain"`
	Instance string   `toml:"instance"`
	Interval string   `toml:"interval"`
	Peers    []string `toml:"peers"`
}

type EventsFile struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// File converts resolved settings back to their on-disk shape.
func (c Config) File() File {
	peers := c.Discovery.Peers
	if peers == nil {
		peers = []string{}
	}
	return File{
		ConfigDir: c.ConfigDir,
		Node: NodeFile{
			Listen:              c.Node.Listen,
			WorkDir:             c.Node.WorkDir,
			RegistrationEnabled: c.Node.RegistrationEnabled,
			SpawnConcurrency:    c.Node.SpawnConcurrency,
			ShutdownGrace:       c.Node.ShutdownGrace.String(),
			AdminAddr:           c.Node.AdminAddr,
		},
		Client: ClientFile{
			PeerPort:         c.Client.PeerPort,
			AdvertiseAddr:    c.Client.AdvertiseAddr,
			ProbeAddr:        c.Client.ProbeAddr,
			RequestTimeout:   c.Client.RequestTimeout.String(),
			Concurrency:      c.Client.Concurrency,
			RegisterAttempts: c.Client.RegisterAttempts,
		},
		Discovery: DiscoveryFile{
			Mode:     string(c.Discovery.Mode),
			Service:  c.Discovery.Service,
			Domain:   c.Discovery.Domain,
			Instance: c.Discovery.Instance,
			Interval: c.Discovery.Interval.String(),
			Peers:    peers,
		},
		Events: EventsFile{
			NATSURL: c.Events.NATSURL,
			Subject: c.Events.Subject,
		},
	}
}

// Render encodes the effective settings as TOML that Load reads back.
func Render(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := gotoml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c.File()); err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return buf.Bytes(), nil
}
