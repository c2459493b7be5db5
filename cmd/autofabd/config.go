package main

import (
	"github.com/spf13/pflag"

	"github.com/danmuck/autofab/internal/config"
)

// loadConfig resolves the config file and applies flags that were set.
func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("autofabd", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to autofab.toml (default ~/.autofab/autofab.toml when present)")
	configDir := fs.String("config-dir", "", "identity, trust store and logs directory")
	listen := fs.StringP("listen", "l", "", "engine endpoint, e.g. tcp://0.0.0.0:4223")
	registration := fs.Bool("enable-registration", false, "accept REGISTER requests from peers")
	adminAddr := fs.String("admin", "", "admin HTTP listen address; empty disables")
	discovery := fs.String("discovery", "", "discovery mode: mdns|static|none")
	instance := fs.String("instance", "", "advertised mDNS instance name (default hostname)")
	natsURL := fs.String("nats", "", "NATS URL for event publishing")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Resolve(*path)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("config-dir") {
		cfg.ConfigDir = config.ExpandHome(*configDir)
	}
	if fs.Changed("listen") {
		cfg.Node.Listen = *listen
	}
	if fs.Changed("enable-registration") {
		cfg.Node.RegistrationEnabled = *registration
	}
	if fs.Changed("admin") {
		cfg.Node.AdminAddr = *adminAddr
	}
	if fs.Changed("discovery") {
		cfg.Discovery.Mode = config.DiscoveryMode(*discovery)
	}
	if fs.Changed("instance") {
		cfg.Discovery.Instance = *instance
	}
	if fs.Changed("nats") {
		cfg.Events.NATSURL = *natsURL
	}
	return cfg, cfg.Validate()
}
