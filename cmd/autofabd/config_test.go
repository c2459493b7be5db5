package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/autofab/internal/config"
	"github.com/danmuck/autofab/internal/testutil/testlog"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), config.FileName)
	body := "config_dir = \"/srv/autofab\"\n[node]\nadmin_addr = \"127.0.0.1:4224\"\nregistration_enabled = false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig([]string{"--config", path, "--enable-registration", "--listen", "tcp://127.0.0.1:5000", "--discovery", "none"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Node.RegistrationEnabled || cfg.Node.Listen != "tcp://127.0.0.1:5000" {
		t.Fatalf("expected flag overrides, got %+v", cfg.Node)
	}
	if cfg.Node.AdminAddr != "127.0.0.1:4224" || cfg.ConfigDir != "/srv/autofab" {
		t.Fatalf("expected file values kept, got dir=%q admin=%q", cfg.ConfigDir, cfg.Node.AdminAddr)
	}
	if cfg.Discovery.Mode != config.DiscoveryNone {
		t.Fatalf("expected discovery none, got %q", cfg.Discovery.Mode)
	}
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	testlog.Start(t)
	t.Setenv("HOME", t.TempDir())
	if _, err := loadConfig([]string{"--discovery", "carrier-pigeon"}); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := loadConfig([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("expected unknown flag error")
	}
}
