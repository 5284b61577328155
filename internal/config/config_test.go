package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8099" {
		t.Fatalf("unexpected listen default: %q", cfg.Listen)
	}
	if cfg.RelayHost != "hle.world" {
		t.Fatalf("unexpected relay host default: %q", cfg.RelayHost)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval)
	}
}

func TestLoadFlagOverrides(t *testing.T) {
	cfg, err := Load([]string{"-listen", "127.0.0.1:9000", "-log-level", "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Fatalf("flag override not applied: %q", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("flag override not applied: %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HLE_RELAY_HOST", "relay.example.org")
	t.Setenv("HLE_CRASHLOOP_THRESHOLD", "3")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RelayHost != "relay.example.org" {
		t.Fatalf("env override not applied: %q", cfg.RelayHost)
	}
	if cfg.CrashLoopThreshold != 3 {
		t.Fatalf("env override not applied: %d", cfg.CrashLoopThreshold)
	}
}

func TestLoadNormalizesRelayHost(t *testing.T) {
	t.Setenv("HLE_RELAY_HOST", " Relay.Example.COM:443 ")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RelayHost != "relay.example.com" {
		t.Fatalf("relay host not normalized: %q", cfg.RelayHost)
	}
}
