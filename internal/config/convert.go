package config

import (
	"os"

	"github.com/danmuck/autofab/internal/client"
	"github.com/danmuck/autofab/internal/engine"
)

// InstanceName is the advertised mDNS instance, defaulting to the hostname.
func (c Config) InstanceName() string {
	if c.Discovery.Instance != "" {
		return c.Discovery.Instance
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "autofab"
	}
	return host
}

func (c Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Node = c.InstanceName()
	cfg.Endpoint = c.Node.Listen
	cfg.RegistrationEnabled = c.Node.RegistrationEnabled
	cfg.SpawnConcurrency = c.Node.SpawnConcurrency
	cfg.ShutdownGrace = c.Node.ShutdownGrace
	cfg.LogDir = engine.LogDirFor(c.ConfigDir)
	cfg.WorkDir = c.Node.WorkDir
	return cfg
}

func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.PeerPort = c.Client.PeerPort
	cfg.AdvertiseAddr = c.Client.AdvertiseAddr
	cfg.ProbeAddr = c.Client.ProbeAddr
	cfg.RequestTimeout = c.Client.RequestTimeout
	cfg.Concurrency = c.Client.Concurrency
	cfg.RegisterAttempts = c.Client.RegisterAttempts
	return cfg
}
