package config

import (
	"fmt"
	"os"
	"path/filepath"
)

func Template() string {
	return fileTemplate
}

// WriteTemplate writes the commented default config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(fileTemplate), 0o600)
}

const fileTemplate = `# identity, trusted peer keys and launch logs live here
config_dir = "~/.autofab"

[node]
listen = "tcp://0.0.0.0:4223"
work_dir = "."
registration_enabled = false
spawn_concurrency = 4
shutdown_grace = "3s"
# admin_addr = "127.0.0.1:4224"
admin_addr = ""

[client]
peer_port = 4223
# claimed address sent with REGISTER and LAUNCH; empty probes the outbound interface
advertise_addr = ""
probe_addr = "8.8.8.8:10002"
request_timeout = "10s"
concurrency = 8
register_attempts = 3

[discovery]
# mdns | static | none
mode = "mdns"
service = "_distributedscenery._tcp"
domain = "local."
instance = ""
interval = "5s"
peers = []

[events]
# nats_url = "nats://127.0.0.1:4222"
nats_url = ""
subject = "autofab.events"
`
